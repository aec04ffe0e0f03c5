package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountID identifies a protocol user.
type AccountID = uuid.UUID

// Privilege is the authority attached to an Origin.
type Privilege uint8

const (
	PrivilegeNone Privilege = iota
	PrivilegeSigned
	PrivilegeAdmin
	PrivilegeRoot
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeSigned:
		return "signed"
	case PrivilegeAdmin:
		return "admin"
	case PrivilegeRoot:
		return "root"
	default:
		return "none"
	}
}

// Origin is the explicit authorization token passed with every mutating
// operation. Membership (who is admin) is decided by the caller's adapter.
type Origin struct {
	Caller    AccountID `json:"caller"`
	Privilege Privilege `json:"privilege"`
}

func Signed(caller AccountID) Origin { return Origin{Caller: caller, Privilege: PrivilegeSigned} }
func Admin(caller AccountID) Origin  { return Origin{Caller: caller, Privilege: PrivilegeAdmin} }
func Root() Origin                   { return Origin{Privilege: PrivilegeRoot} }

// RequireSigned returns the caller of a signed, admin or root origin that
// carries an account.
func RequireSigned(o Origin) (AccountID, error) {
	if o.Privilege == PrivilegeNone || o.Caller == uuid.Nil {
		return uuid.Nil, ErrBadOrigin
	}
	return o.Caller, nil
}

// RequireAdmin accepts admin and root origins.
func RequireAdmin(o Origin) error {
	if o.Privilege < PrivilegeAdmin {
		return fmt.Errorf("%w: privilege %s", ErrRequireAdmin, o.Privilege)
	}
	return nil
}

func RequireRoot(o Origin) error {
	if o.Privilege != PrivilegeRoot {
		return fmt.Errorf("%w: privilege %s", ErrRequireRoot, o.Privilege)
	}
	return nil
}
