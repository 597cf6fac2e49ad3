package ldapnav

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/netresearch/ldapnav/dn"
	"github.com/netresearch/ldapnav/filter"
)

// BulkOp selects the attribute operation a bulk apply performs on each
// matching entry.
type BulkOp int

const (
	BulkReplace BulkOp = iota
	BulkAddValue
	BulkDeleteValue
)

func (o BulkOp) String() string {
	switch o {
	case BulkAddValue:
		return "add_value"
	case BulkDeleteValue:
		return "delete_value"
	default:
		return "replace"
	}
}

// BulkFailure records one entry a bulk operation could not update.
type BulkFailure struct {
	DN     string
	Reason string
}

// BulkResult aggregates the outcome of a bulk operation.
type BulkResult struct {
	Succeeded int
	Failed    []BulkFailure
}

// Total returns the number of entries the operation attempted.
func (r *BulkResult) Total() int {
	return r.Succeeded + len(r.Failed)
}

// BulkApply streams every entry under base matching filterText and applies
// op to the attribute on each one independently. Individual failures are
// recorded and the remaining entries still attempted; only a failure of the
// underlying search aborts, returning the partial result alongside the
// error.
func (s *Session) BulkApply(ctx context.Context, base dn.DN, filterText string, op BulkOp, attribute, value string) (*BulkResult, error) {
	if err := s.writeGuard("bulk_apply", base.String()); err != nil {
		return nil, err
	}
	if attribute == "" {
		return nil, errors.New("ldapnav: bulk apply requires an attribute")
	}
	if _, err := filter.Parse(filterText); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BulkResult{}
	req := SearchRequest{
		BaseDN:     base,
		Filter:     filterText,
		Scope:      ScopeSubtree,
		Attributes: []string{"1.1"},
	}
	for entry, err := range s.Search(ctx, req) {
		if err != nil {
			return result, err
		}
		change := bulkChange(op, attribute, value)
		if merr := s.Modify(ctx, entry.DN, []Change{change}); merr != nil {
			s.logger.Warn("bulk_entry_failed",
				slog.String("dn", entry.DN.String()),
				slog.String("error", merr.Error()))
			result.Failed = append(result.Failed, BulkFailure{
				DN:     entry.DN.String(),
				Reason: failureReason(merr),
			})
			continue
		}
		result.Succeeded++
	}

	s.logger.Info("bulk_apply_completed",
		slog.String("base_dn", base.String()),
		slog.String("filter", filterText),
		slog.String("op", op.String()),
		slog.String("attribute", attribute),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", len(result.Failed)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func bulkChange(op BulkOp, attribute, value string) Change {
	switch op {
	case BulkAddValue:
		return Change{Kind: ChangeAdd, Attribute: attribute, Values: []string{value}}
	case BulkDeleteValue:
		return Change{Kind: ChangeDelete, Attribute: attribute, Values: []string{value}}
	default:
		return Change{Kind: ChangeReplace, Attribute: attribute, Values: []string{value}}
	}
}

// failureReason renders a compact per-entry reason for BulkFailure lists.
func failureReason(err error) string {
	var derr *DirectoryError
	if errors.As(err, &derr) && derr.Kind != nil {
		return strings.TrimPrefix(derr.Kind.Error(), "ldapnav: ")
	}
	return err.Error()
}

// ImportEntries adds entries through the bulk engine, continuing past
// individual failures. When update is true, an entry that already exists is
// updated instead: each imported attribute becomes a replace in one modify
// request. The objectClass attribute is never replaced on update, since
// structural class changes are prohibited server-side.
func (s *Session) ImportEntries(ctx context.Context, entries []*Entry, update bool) (*BulkResult, error) {
	if err := s.writeGuard("import", ""); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BulkResult{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.AddEntry(ctx, entry.DN, entry.Attributes)
		if err != nil && update && errors.Is(err, ErrEntryExists) {
			changes := make([]Change, 0, len(entry.Attributes))
			for _, a := range entry.Attributes {
				if strings.EqualFold(a.Name, "objectClass") {
					continue
				}
				changes = append(changes, Change{Kind: ChangeReplace, Attribute: a.Name, Values: a.Values})
			}
			err = s.Modify(ctx, entry.DN, changes)
		}
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{
				DN:     entry.DN.String(),
				Reason: failureReason(err),
			})
			continue
		}
		result.Succeeded++
	}

	s.logger.Info("import_completed",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", len(result.Failed)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// ExportSubtree collects every entry under base matching filterText with
// all user attributes, for handoff to a format encoder. An empty filter
// exports the whole subtree.
func (s *Session) ExportSubtree(ctx context.Context, base dn.DN, filterText string) ([]*Entry, error) {
	return s.SearchAll(ctx, SearchRequest{
		BaseDN:     base,
		Filter:     filterText,
		Scope:      ScopeSubtree,
		Attributes: []string{"*"},
	})
}
