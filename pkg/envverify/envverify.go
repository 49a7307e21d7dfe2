// Package envverify provides a reference implementation of the Environment
// Verifier the Orchestrator consumes: verify(env, proof) -> bool. The proof
// is an ed25519 signature over the canonicalized environment plus a nonce;
// a replay-digest cache rejects a proof that was already accepted once.
package envverify

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/latticeiot/abacgate/pkg/auth"
	"github.com/latticeiot/abacgate/pkg/condition"
)

// Proof carries the signature and nonce an oracle attaches to an environment
// record so the verifier can check authenticity and reject replays. Kid is
// optional; when set and KeyStore is configured it selects which oracle key
// verifies the signature instead of the verifier's static PublicKey.
type Proof struct {
	Nonce     string
	Signature string // base64-encoded ed25519 signature
	Kid       string
}

// replayCache is the subset of store.Cache the verifier needs to remember
// accepted proof digests. Satisfied by both store.RedisCache and
// store.MemoryCache.
type replayCache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// Ed25519Verifier is the reference Environment Verifier implementation. It
// is not part of the core decision pipeline; the Orchestrator only depends
// on the Verifier interface this type satisfies.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
	Replay    replayCache
	ReplayTTL time.Duration

	// KeyStore, when set, resolves the oracle's public key by the proof's
	// Kid instead of the static PublicKey above. Lets the signing key
	// rotate (e.g. via Vault Transit) without redeploying the gateway.
	KeyStore auth.KeyStore
}

// ErrReplayedProof names the replay failure. Verify does not return it: a
// proof whose digest was already seen is reported as a plain false with a
// nil error.
var ErrReplayedProof = errors.New("envverify: proof already used")

// Verify reports whether proof is a valid, non-replayed ed25519 signature
// over env by PublicKey. It never mutates engine state; its own replay
// cache is private bookkeeping per spec.md §6. proof must be an envverify.Proof;
// any other type is rejected as an invalid proof rather than a type error,
// matching the orchestrator's opaque Verifier interface.
func (v *Ed25519Verifier) Verify(ctx context.Context, env condition.Env, rawProof any) (bool, error) {
	proof, ok := rawProof.(Proof)
	if !ok {
		return false, nil
	}
	payload, err := signingPayload(env, proof.Nonce)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false, nil
	}
	pub, err := v.resolveKey(ctx, proof.Kid)
	if err != nil {
		return false, nil
	}
	if !ed25519.Verify(pub, payload, sig) {
		return false, nil
	}
	if v.Replay == nil {
		return true, nil
	}
	digest := digestHex(payload, sig)
	ttl := v.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	accepted, err := v.Replay.SetNX(ctx, "envverify:proof:"+digest, "1", ttl)
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, nil
	}
	return true, nil
}

// resolveKey picks the static PublicKey unless kid is set and a KeyStore is
// configured, in which case the oracle key comes from the store instead.
func (v *Ed25519Verifier) resolveKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if kid == "" || v.KeyStore == nil {
		return v.PublicKey, nil
	}
	rec, err := v.KeyStore.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if rec == nil || len(rec.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("envverify: key store returned invalid oracle key")
	}
	if strings.ToLower(strings.TrimSpace(rec.Status)) == "revoked" {
		return nil, errors.New("envverify: oracle key revoked")
	}
	return ed25519.PublicKey(rec.PublicKey), nil
}

func signingPayload(env condition.Env, nonce string) ([]byte, error) {
	systemLoad := "0"
	if env.SystemLoad != nil {
		systemLoad = env.SystemLoad.String()
	}
	raw, err := json.Marshal(map[string]any{
		"timeWindow":    env.TimeWindow,
		"emergencyMode": env.EmergencyMode,
		"systemLoad":    json.Number(systemLoad),
		"nonce":         nonce,
	})
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

func digestHex(payload, sig []byte) string {
	h := sha256.New()
	h.Write(payload)
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil))
}
