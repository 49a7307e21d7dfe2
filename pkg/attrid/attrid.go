// Package attrid defines the opaque identifier and attribute types shared by
// the registry, catalog, and evaluator: 20-byte identifiers, 32-byte
// attribute keys, and 32-byte attribute values with a dual byte/numeric view.
package attrid

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Identifier is an opaque, fixed-width principal or resource id. Equality is
// byte-exact; the engine never interprets its contents.
type Identifier [20]byte

// AttributeKey is an opaque 32-byte key. Well-known keys are derived by
// hashing an ASCII name (see KeyFor); callers must never compare by name.
type AttributeKey [32]byte

// AttributeValue is an opaque 32-byte value. EQ/NEQ/IN_SET compare it
// byte-exact; numeric operators reinterpret it as an unsigned 256-bit
// integer via Num.
type AttributeValue [32]byte

// ZeroValue is the value a missing attribute read produces.
var ZeroValue AttributeValue

// Num reinterprets the value as a big-endian unsigned 256-bit integer.
func (v AttributeValue) Num() *big.Int {
	return new(big.Int).SetBytes(v[:])
}

// ValueFromUint embeds an unsigned integer into the low-order bytes of an
// AttributeValue's big-endian 32-byte layout, zero-extended.
func ValueFromUint(n uint64) AttributeValue {
	var v AttributeValue
	b := new(big.Int).SetUint64(n).Bytes()
	copy(v[32-len(b):], b)
	return v
}

// ValueFromBool embeds a boolean as 0 or 1, zero-extended, matching the
// Evaluator's ENV emergencyMode resolution rule.
func ValueFromBool(b bool) AttributeValue {
	if b {
		return ValueFromUint(1)
	}
	return ValueFromUint(0)
}

// KeyFor derives a well-known AttributeKey by hashing an ASCII name under
// Keccak-256 (not NIST SHA3-256), matching the reference key derivation
// named in spec.md §6.
func KeyFor(name string) AttributeKey {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(name))
	var k AttributeKey
	copy(k[:], h.Sum(nil))
	return k
}

// Well-known attribute keys, per spec.md §3.
var (
	KeySubRole         = KeyFor("SUB_ROLE")
	KeySubOrg          = KeyFor("SUB_ORG")
	KeySubDept         = KeyFor("SUB_DEPT")
	KeySubOffice       = KeyFor("SUB_OFFICE")
	KeySubDevType      = KeyFor("SUB_DEV_TYPE")
	KeySubLocation     = KeyFor("SUB_LOCATION")
	KeyObjResourceType = KeyFor("OBJ_RESOURCE_TYPE")
	KeyObjOwnerDept    = KeyFor("OBJ_OWNER_DEPT")
	KeyObjSensitivity  = KeyFor("OBJ_SENSITIVITY")
	KeyObjLocation     = KeyFor("OBJ_LOCATION")

	KeyEnvTimeWindow    = KeyFor("timeWindow")
	KeyEnvEmergencyMode = KeyFor("emergencyMode")
	KeyEnvSystemLoad    = KeyFor("systemLoad")
)

// IdentifierFromBytes copies up to 20 bytes into a new Identifier,
// zero-padding on the left if shorter.
func IdentifierFromBytes(b []byte) Identifier {
	var id Identifier
	if len(b) >= len(id) {
		copy(id[:], b[len(b)-len(id):])
	} else {
		copy(id[len(id)-len(b):], b)
	}
	return id
}

// ValueFromBytes copies up to 32 bytes into a new AttributeValue,
// zero-padding on the left if shorter.
func ValueFromBytes(b []byte) AttributeValue {
	var v AttributeValue
	if len(b) >= len(v) {
		copy(v[:], b[len(b)-len(v):])
	} else {
		copy(v[len(v)-len(b):], b)
	}
	return v
}
