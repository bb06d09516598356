// Package keys keeps the public key registered on the platform in sync with
// the locally configured one. A silent mismatch here surfaces much later as
// undecryptable submissions, so the reconciler verifies its own write.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"flowdeck/internal/platform"
)

// ErrNoLocalKey means there is nothing to reconcile: key material must be
// configured before a dynamic flow can be published.
var ErrNoLocalKey = errors.New("no local public key configured")

// MismatchError means registration went through but the remote key still
// differs. The usual causes are a wrong channel identity or a token without
// permission to set keys.
type MismatchError struct {
	ChannelID         string
	LocalFingerprint  string
	RemoteFingerprint string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("public key for channel %s still differs after registration (local %s, remote %s); check the channel id and the token's key-management permission",
		e.ChannelID, e.LocalFingerprint, e.RemoteFingerprint)
}

// PlatformKeys is the slice of the platform client the reconciler uses.
type PlatformKeys interface {
	GetEncryptionKey(ctx context.Context, channelID string) (platform.EncryptionKey, error)
	SetEncryptionKey(ctx context.Context, channelID, publicKey string) error
}

// State is the per-attempt diagnostic snapshot. It is never persisted.
type State struct {
	LocalFingerprint      string `json:"local_fingerprint"`
	RemoteFingerprint     string `json:"remote_fingerprint"`
	RemoteSignatureStatus string `json:"remote_signature_status,omitempty"`
	Registered            bool   `json:"registered"`
}

type Reconciler struct {
	Platform PlatformKeys
}

// Reconcile ensures the remote key for the channel matches localKey,
// registering it when it does not and re-verifying afterwards.
func (r Reconciler) Reconcile(ctx context.Context, channelID, localKey string) (State, error) {
	normalized := Normalize(localKey)
	if normalized == "" {
		return State{}, ErrNoLocalKey
	}
	state := State{LocalFingerprint: Fingerprint(normalized)}

	remote, err := r.Platform.GetEncryptionKey(ctx, channelID)
	if err != nil {
		return state, fmt.Errorf("fetch remote key: %w", err)
	}
	state.RemoteFingerprint = Fingerprint(Normalize(remote.PublicKey))
	state.RemoteSignatureStatus = remote.SignatureStatus
	if state.RemoteFingerprint == state.LocalFingerprint {
		return state, nil
	}

	if err := r.Platform.SetEncryptionKey(ctx, channelID, normalized); err != nil {
		return state, fmt.Errorf("register public key: %w", err)
	}
	state.Registered = true

	remote, err = r.Platform.GetEncryptionKey(ctx, channelID)
	if err != nil {
		return state, fmt.Errorf("verify registered key: %w", err)
	}
	state.RemoteFingerprint = Fingerprint(Normalize(remote.PublicKey))
	state.RemoteSignatureStatus = remote.SignatureStatus
	if state.RemoteFingerprint != state.LocalFingerprint {
		return state, MismatchError{
			ChannelID:         channelID,
			LocalFingerprint:  state.LocalFingerprint,
			RemoteFingerprint: state.RemoteFingerprint,
		}
	}
	return state, nil
}

// Normalize strips surrounding whitespace and CRLF line endings so that keys
// pasted from different editors compare equal.
func Normalize(key string) string {
	return strings.TrimSpace(strings.ReplaceAll(key, "\r\n", "\n"))
}

// Fingerprint is a short stable digest of a normalized key, safe for logs.
func Fingerprint(normalizedKey string) string {
	if normalizedKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalizedKey))
	return hex.EncodeToString(sum[:8])
}
