// Package queue implements the content-addressed persistent store over the
// five fixed queue directories (working, deliver, deferred, dead,
// delegated), plus the shared mails/ body store. Every operation is atomic
// via filesystem rename; no process-internal locks are needed because each
// worker pool owns specific queues for writing (see internal/scheduler).
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vmta/coremta/framework/buffer"
	"github.com/vmta/coremta/internal/mailctx"
)

// Name is one of the five fixed queue directories.
type Name string

const (
	Working   Name = "working"
	Deliver   Name = "deliver"
	Deferred  Name = "deferred"
	Dead      Name = "dead"
	Delegated Name = "delegated"
)

// All lists every fixed queue, in the order "mta-queue show" reports them.
var All = []Name{Working, Deliver, Deferred, Dead, Delegated}

const mailsDir = "mails"

// ErrOrphan is returned when only one of a UUID's two files is present.
// Detectable, not auto-healed: the CLI surfaces it, delivery skips it.
var ErrOrphan = errors.New("queue: orphaned entry (ctx/eml mismatch)")

// ErrNotFound is returned when neither file for a UUID exists in the
// requested queue.
var ErrNotFound = errors.New("queue: entry not found")

// Manager roots the five queue directories and the shared body store under
// a single spool directory.
type Manager struct {
	root string
}

// Open ensures the five queue directories and mails/ exist under root and
// returns a Manager rooted there.
func Open(root string) (*Manager, error) {
	m := &Manager{root: root}
	for _, q := range All {
		if err := os.MkdirAll(m.queueDir(q), 0o750); err != nil {
			return nil, fmt.Errorf("queue: mkdir %s: %w", q, err)
		}
	}
	if err := os.MkdirAll(m.mailsPath(), 0o750); err != nil {
		return nil, fmt.Errorf("queue: mkdir mails: %w", err)
	}
	return m, nil
}

func (m *Manager) queueDir(q Name) string { return filepath.Join(m.root, string(q)) }
func (m *Manager) mailsPath() string      { return filepath.Join(m.root, mailsDir) }

func (m *Manager) ctxPath(q Name, uuid string) string {
	return filepath.Join(m.queueDir(q), uuid+".ctx.json")
}

func (m *Manager) msgPath(uuid string) string {
	return filepath.Join(m.mailsPath(), uuid+".eml")
}

// WriteBoth persists ctx under queue/<uuid>.ctx.json and raw under
// mails/<uuid>.eml, each via temp-file + fsync + rename. The body file is
// written only if it does not already exist, since it is shared across
// queues for the same UUID (a deferred-retry rewrite only touches ctx).
func (m *Manager) WriteBoth(q Name, ctx *mailctx.Ctx, raw []byte) error {
	if _, err := os.Stat(m.msgPath(ctx.UUID)); errors.Is(err, os.ErrNotExist) {
		if err := atomicWrite(m.msgPath(ctx.UUID), raw); err != nil {
			return fmt.Errorf("queue: write eml: %w", err)
		}
	}
	if err := m.WriteCtx(q, ctx); err != nil {
		// Best-effort: the eml may now be orphaned until a future write
		// completes or the entry is garbage-collected by the CLI.
		return err
	}
	return nil
}

// WriteCtx atomically (re)writes only the .ctx.json file, used by the
// working/delivery/deferred pools to update recipient status in place
// without touching the shared body.
func (m *Manager) WriteCtx(q Name, ctx *mailctx.Ctx) error {
	b, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queue: marshal ctx: %w", err)
	}
	if err := atomicWrite(m.ctxPath(q, ctx.UUID), b); err != nil {
		return fmt.Errorf("queue: write ctx: %w", err)
	}
	return nil
}

// GetCtx loads and parses the context for uuid from q. A half-written or
// unparseable ctx file is treated as absent, per the "do not delete, allow
// operator inspection" policy for ambiguous on-disk state.
func (m *Manager) GetCtx(q Name, uuid string) (*mailctx.Ctx, error) {
	b, err := os.ReadFile(m.ctxPath(q, uuid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ctx mailctx.Ctx
	if err := json.Unmarshal(b, &ctx); err != nil {
		return nil, fmt.Errorf("queue: %s/%s: %w", q, uuid, err)
	}
	return &ctx, nil
}

// GetMsg opens the shared body for uuid. The caller is responsible for
// closing the returned ReadCloser.
func (m *Manager) GetMsg(uuid string) (io.ReadCloser, error) {
	f, err := os.Open(m.msgPath(uuid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// GetMsgBuffer wraps the shared body as a buffer.Buffer for handing to a
// delivery transport.
func (m *Manager) GetMsgBuffer(uuid string) (buffer.Buffer, error) {
	info, err := os.Stat(m.msgPath(uuid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return buffer.FileBuffer{Path: m.msgPath(uuid), LenHint: int(info.Size())}, nil
}

// RewriteMsg atomically overwrites the shared body for uuid. WriteBoth
// otherwise treats the body as immutable and shared across queues, but a
// context being suspended into delegated/ is, for the moment it is
// suspended, the body's sole owner (the single-queue-membership
// invariant), so stamping its resumption header in place is safe.
func (m *Manager) RewriteMsg(uuid string, raw []byte) error {
	if err := atomicWrite(m.msgPath(uuid), raw); err != nil {
		return fmt.Errorf("queue: rewrite eml: %w", err)
	}
	return nil
}

// Delegate suspends ctx into delegated/, stamping ctx.Delegation and an
// X-VSMTP-DELEGATION resumption header onto the body so an external
// service reading only the raw message (not this store's ctx.json) can
// still report back the stage/directive/id to resume at. src is the
// queue ctx currently lives in, or "" if ctx/body have not been persisted
// anywhere yet (suspension straight out of PreQ, before any WriteBoth);
// body is used only in that src == "" case, since otherwise the shared
// body is read back off disk to stamp the header in place.
func (m *Manager) Delegate(src Name, ctx *mailctx.Ctx, body []byte, stage, directive string) error {
	ctx.Delegation = &mailctx.Delegation{Stage: stage, Directive: directive, ID: ctx.UUID}
	header := []byte(fmt.Sprintf("X-VSMTP-DELEGATION: stage=%s; directive=%s; id=%s\r\n", stage, directive, ctx.UUID))

	if src == "" {
		return m.WriteBoth(Delegated, ctx, append(header, body...))
	}

	raw, err := os.ReadFile(m.msgPath(ctx.UUID))
	if err != nil {
		return fmt.Errorf("queue: delegate: reading body: %w", err)
	}
	if err := m.RewriteMsg(ctx.UUID, append(header, raw...)); err != nil {
		return err
	}
	if err := m.WriteCtx(Delegated, ctx); err != nil {
		return err
	}
	return m.RemoveCtx(src, ctx.UUID)
}

// RemoveCtx deletes only the ctx file for uuid in q, leaving the shared
// body untouched. Used once a context has been rewritten into a different
// queue and the stale copy in its old queue needs to disappear.
func (m *Manager) RemoveCtx(q Name, uuid string) error {
	if err := os.Remove(m.ctxPath(q, uuid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("queue: remove ctx %s/%s: %w", q, uuid, err)
	}
	return nil
}

// MoveTo renames the ctx file from src to dst. The shared body is untouched
// since it lives outside any queue directory. If the ctx exists in src but
// the body is missing entirely, ErrOrphan is returned and the ctx is left
// where it was so an operator can inspect it.
func (m *Manager) MoveTo(src, dst Name, uuid string) error {
	if _, err := os.Stat(m.msgPath(uuid)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrOrphan
		}
		return err
	}
	if err := os.Rename(m.ctxPath(src, uuid), m.ctxPath(dst, uuid)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("queue: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// RemoveBoth deletes both files for uuid. Queue indicates where the ctx
// lives; the shared body is removed only if no other queue still
// references uuid, checked by the caller holding queue-level invariants (a
// UUID exists in at most one queue at a time, so once its ctx is gone here
// it is gone everywhere).
func (m *Manager) RemoveBoth(q Name, uuid string) error {
	ctxErr := os.Remove(m.ctxPath(q, uuid))
	msgErr := os.Remove(m.msgPath(uuid))

	ctxMissing := errors.Is(ctxErr, os.ErrNotExist)
	msgMissing := errors.Is(msgErr, os.ErrNotExist)
	switch {
	case ctxMissing && msgMissing:
		return ErrNotFound
	case ctxMissing || msgMissing:
		return ErrOrphan
	case ctxErr != nil:
		return ctxErr
	case msgErr != nil:
		return msgErr
	}
	return nil
}

// List returns the UUIDs present in q, ordered by filesystem readdir.
// Entries whose ctx file fails to parse are skipped, not reported as an
// error, since List is used by readers that must tolerate partial state.
func (m *Manager) List(q Name) ([]string, error) {
	entries, err := os.ReadDir(m.queueDir(q))
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".ctx.json") {
			uuids = append(uuids, strings.TrimSuffix(name, ".ctx.json"))
		}
	}
	sort.Strings(uuids)
	return uuids, nil
}

// atomicWrite writes b to path via a temp file in the same directory,
// fsync, then rename, so a reader never observes a half-written file.
func atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
