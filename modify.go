package ldapnav

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapnav/dn"
)

// writeGuard rejects directory writes on read-only sessions before any
// request is built, so a read-only violation provably issues zero protocol
// requests.
func (s *Session) writeGuard(op, entryDN string) error {
	if s.config.ReadOnly {
		return wrapKind(op, s.Address(), entryDN, ErrReadOnly, ErrReadOnly)
	}
	return nil
}

// Modify applies changes to target as one modify request. Servers apply the
// request atomically when they can; a partial outcome is reported as
// failure of the whole operation.
func (s *Session) Modify(ctx context.Context, target dn.DN, changes []Change) error {
	if err := s.writeGuard("modify", target.String()); err != nil {
		return err
	}
	if target.IsZero() {
		return errors.New("ldapnav: modify of empty DN")
	}
	if len(changes) == 0 {
		return nil
	}

	req := ldap.NewModifyRequest(target.String(), nil)
	for _, ch := range changes {
		switch ch.Kind {
		case ChangeAdd:
			req.Add(ch.Attribute, ch.Values)
		case ChangeDelete:
			req.Delete(ch.Attribute, ch.Values)
		case ChangeReplace:
			req.Replace(ch.Attribute, ch.Values)
		}
	}

	err := s.exec(ctx, "modify", target.String(), func(conn Conn) error {
		return conn.Modify(req)
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry_modified",
		slog.String("dn", target.String()),
		slog.Int("changes", len(changes)))
	return nil
}

// Commit sends an entry's staged change-set as one modify request and
// clears the change-set on success. A failed commit leaves the staged edits
// in place for correction.
func (s *Session) Commit(ctx context.Context, entry *Entry) error {
	if entry == nil || !entry.HasChanges() {
		return nil
	}
	if err := s.Modify(ctx, entry.DN, entry.Changes()); err != nil {
		return err
	}
	entry.DiscardChanges()
	return nil
}

// AddEntry creates a new entry at target with the given attributes.
func (s *Session) AddEntry(ctx context.Context, target dn.DN, attrs []Attribute) error {
	if err := s.writeGuard("add", target.String()); err != nil {
		return err
	}
	if target.IsZero() {
		return errors.New("ldapnav: add of empty DN")
	}

	req := ldap.NewAddRequest(target.String(), nil)
	for _, a := range attrs {
		req.Attribute(a.Name, a.Values)
	}

	err := s.exec(ctx, "add", target.String(), func(conn Conn) error {
		return conn.Add(req)
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry_added",
		slog.String("dn", target.String()),
		slog.Int("attributes", len(attrs)))
	return nil
}

// DeleteEntry removes the entry at target. Deleting a non-leaf entry fails
// server-side with a constraint violation.
func (s *Session) DeleteEntry(ctx context.Context, target dn.DN) error {
	if err := s.writeGuard("delete", target.String()); err != nil {
		return err
	}
	if target.IsZero() {
		return errors.New("ldapnav: delete of empty DN")
	}

	req := ldap.NewDelRequest(target.String(), nil)
	err := s.exec(ctx, "delete", target.String(), func(conn Conn) error {
		return conn.Del(req)
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry_deleted", slog.String("dn", target.String()))
	return nil
}

// Rename moves the entry at target to newRDN, optionally under newParent
// (zero keeps the current parent). The old RDN value is dropped from the
// entry.
func (s *Session) Rename(ctx context.Context, target dn.DN, newRDN string, newParent dn.DN) error {
	if err := s.writeGuard("rename", target.String()); err != nil {
		return err
	}
	if target.IsZero() {
		return errors.New("ldapnav: rename of empty DN")
	}
	if newRDN == "" {
		return errors.New("ldapnav: rename requires a new RDN")
	}

	newSuperior := ""
	if !newParent.IsZero() {
		newSuperior = newParent.String()
	}
	req := ldap.NewModifyDNRequest(target.String(), newRDN, true, newSuperior)
	err := s.exec(ctx, "rename", target.String(), func(conn Conn) error {
		return conn.ModifyDN(req)
	})
	if err != nil {
		return err
	}
	s.logger.Info("entry_renamed",
		slog.String("dn", target.String()),
		slog.String("new_rdn", newRDN),
		slog.String("new_parent", newSuperior))
	return nil
}
