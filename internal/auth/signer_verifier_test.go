package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
)

type stubSignerLookup struct {
	signer neynar.Signer
	err    error
	calls  int
}

func (s *stubSignerLookup) LookupSigner(_ context.Context, _ string) (neynar.Signer, error) {
	s.calls++
	return s.signer, s.err
}

func TestSignerVerifierAcceptsApprovedSigner(t *testing.T) {
	lookup := &stubSignerLookup{signer: neynar.Signer{UUID: "s-1", Status: neynar.SignerStatusApproved, FID: 3}}
	verifier, err := NewSignerVerifier(lookup, nil)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	signer, err := verifier.Verify(context.Background(), "s-1", 3)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if signer.FID != 3 {
		t.Fatalf("unexpected signer fid %d", signer.FID)
	}
}

func TestSignerVerifierRejections(t *testing.T) {
	testCases := []struct {
		name      string
		signer    neynar.Signer
		lookupErr error
		uuid      string
		fid       int64
		expected  error
	}{
		{name: "missing uuid", uuid: "", fid: 3, expected: ErrInvalidSignInRequest},
		{name: "missing fid", uuid: "s-1", fid: 0, expected: ErrInvalidSignInRequest},
		{name: "pending", uuid: "s-1", fid: 3, signer: neynar.Signer{Status: "pending_approval", FID: 3}, expected: ErrSignerNotApproved},
		{name: "mismatch", uuid: "s-1", fid: 3, signer: neynar.Signer{Status: neynar.SignerStatusApproved, FID: 4}, expected: ErrSignerMismatch},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			verifier, err := NewSignerVerifier(&stubSignerLookup{signer: testCase.signer, err: testCase.lookupErr}, nil)
			if err != nil {
				t.Fatalf("unexpected constructor error: %v", err)
			}
			if _, err := verifier.Verify(context.Background(), testCase.uuid, testCase.fid); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSignerVerifierWrapsUpstreamFailure(t *testing.T) {
	upstream := &neynar.UpstreamError{Operation: "lookup_signer", StatusCode: 500}
	verifier, err := NewSignerVerifier(&stubSignerLookup{err: upstream}, nil)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	_, err = verifier.Verify(context.Background(), "s-1", 3)
	var upstreamErr *neynar.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
