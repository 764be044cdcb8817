package core

// EntityID is an index into entity-indexed arrays of a stash.
// Existence is tracked by the stash validity bitmap, never by the id itself.
type EntityID uint32

// InvalidEntity is the "no entity" sentinel.
const InvalidEntity EntityID = 0xFFFFFFFF

// IsValid reports whether the id is not the sentinel.
// It says nothing about whether a stash slot is allocated.
func (e EntityID) IsValid() bool { return e != InvalidEntity }

// PropertyID is an index into property-indexed arrays of a stash.
// The property space is a closed catalogue; values are signed 32-bit
// integers, positions in integer centimetres.
type PropertyID uint16

const (
	PropPosX PropertyID = iota
	PropPosY
	PropPosZ
	PropRotationYaw
	PropHealth
	PropMaxHealth
	PropMana
	PropMaxMana
	PropAttackPower
	PropDefense
	PropTeam
	PropEntityType
	PropOwnerEntity
	PropMoveTargetX
	PropMoveTargetY
	PropMoveTargetZ
	PropMoveSpeed
	PropIsMoving
	PropParam0
	PropParam1
	PropParam2
	PropParam3

	// NumNamedProperties is the size of the named catalogue. Stashes are
	// sized larger (MaxProperties); the slack is reserved.
	NumNamedProperties
)

// Entity type constants stored in PropEntityType.
const (
	EntityTypeNone int32 = iota
	EntityTypeCharacter
	EntityTypeProjectile
	EntityTypeEquipment
)

// ClientID identifies a connected remote client.
type ClientID uint32

// Vec3 is an integer position in centimetres.
type Vec3 struct {
	X, Y, Z int32
}

// PendingWrite is one buffered property mutation, applied to a stash in
// append order when the owning VM completes.
type PendingWrite struct {
	Entity   EntityID
	Property PropertyID
	Value    int32
}
