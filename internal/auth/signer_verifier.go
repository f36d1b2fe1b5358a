package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"go.uber.org/zap"
)

var (
	// ErrSignerNotApproved indicates the signer has not been authorized by the user.
	ErrSignerNotApproved = errors.New("auth: signer not approved")
	// ErrSignerMismatch indicates the signer belongs to a different identity.
	ErrSignerMismatch = errors.New("auth: signer does not belong to fid")
	// ErrInvalidSignInRequest indicates missing signer uuid or fid.
	ErrInvalidSignInRequest = errors.New("auth: signer uuid and fid are required")
)

// SignerLookup resolves a managed signer by uuid.
type SignerLookup interface {
	LookupSigner(ctx context.Context, signerUUID string) (neynar.Signer, error)
}

// SignerVerifier confirms that a sign-in result reported by the browser is genuine.
type SignerVerifier struct {
	lookup SignerLookup
	logger *zap.Logger
}

// NewSignerVerifier constructs a verifier backed by the social graph client.
func NewSignerVerifier(lookup SignerLookup, logger *zap.Logger) (*SignerVerifier, error) {
	if lookup == nil {
		return nil, errors.New("auth: signer lookup required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignerVerifier{lookup: lookup, logger: logger}, nil
}

// Verify checks that the signer is approved and owned by fid.
func (v *SignerVerifier) Verify(ctx context.Context, signerUUID string, fid int64) (neynar.Signer, error) {
	signerUUID = strings.TrimSpace(signerUUID)
	if signerUUID == "" || fid <= 0 {
		return neynar.Signer{}, ErrInvalidSignInRequest
	}

	signer, err := v.lookup.LookupSigner(ctx, signerUUID)
	if err != nil {
		return neynar.Signer{}, fmt.Errorf("auth: lookup signer: %w", err)
	}
	if signer.Status != neynar.SignerStatusApproved {
		v.logger.Info("signer not approved",
			zap.String("signer_uuid", signerUUID),
			zap.String("status", signer.Status))
		return neynar.Signer{}, ErrSignerNotApproved
	}
	if signer.FID != fid {
		v.logger.Warn("signer fid mismatch",
			zap.String("signer_uuid", signerUUID),
			zap.Int64("claimed_fid", fid),
			zap.Int64("signer_fid", signer.FID))
		return neynar.Signer{}, ErrSignerMismatch
	}
	return signer, nil
}
