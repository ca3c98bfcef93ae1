package errors

import (
	stderrors "errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeShardTaken, "shard 3 is taken", stderrors.New("lease held by node-b"))
	if !stderrors.Is(err, New(CodeShardTaken, "")) {
		t.Fatal("expected code match")
	}
	if stderrors.Is(err, New(CodeNotFound, "")) {
		t.Fatal("unexpected code match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := Wrap(CodeStorageUnavailable, "inbox write failed", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestToGRPCStatus(t *testing.T) {
	err := WithMetadata(CodeDuplicateHandler, "duplicate handler", map[string]string{
		"class": "calc.AddNumber",
	})
	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a grpc status")
	}
	if st.Code() != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %s", st.Code())
	}
	if st.Message() != "duplicate handler" {
		t.Fatalf("unexpected message %q", st.Message())
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeNotFound, codes.NotFound},
		{CodeDefaultPayload, codes.InvalidArgument},
		{CodeVersionConflict, codes.FailedPrecondition},
		{CodeSessionLost, codes.Unavailable},
		{Code("SOMETHING_ELSE"), codes.Unknown},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.code, tc.want, got)
		}
	}
}
