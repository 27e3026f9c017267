package handoff

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fastband-ai/fastband/internal/budget"
	"github.com/fastband-ai/fastband/internal/metrics"
	"github.com/fastband-ai/fastband/internal/util"
)

// RetentionPeriod is how long archived packets are kept. Packets at or past
// this age are deleted on the next accept call.
const RetentionPeriod = 48 * time.Hour

// File and directory modes for packet storage.
const (
	dirMode  = 0o700
	fileMode = 0o600
)

// ErrBadEncryptionKey is returned when the configured key is not 32 bytes.
var ErrBadEncryptionKey = errors.New("encryption key must be 32 bytes")

// ErrEncryptionDisabled is returned when storing with encrypt=true and no
// key is configured.
var ErrEncryptionDisabled = errors.New("no encryption key configured")

// MemorySnapshot is the read-only view of session memory that packet
// creation captures. *memory.Store satisfies it.
type MemorySnapshot interface {
	GetHotContext() string
	HotTokens() int
	WarmKeys() []string
}

// CheckNeeded translates a budget snapshot into a handoff decision. It is
// consulted by the orchestrator after every budget-affecting operation; the
// budget itself never initiates handoffs.
func CheckNeeded(snap budget.Snapshot) (bool, Reason, Priority) {
	switch {
	case snap.MustHandoff():
		return true, ReasonBudgetCritical, PriorityImmediate
	case snap.ShouldHandoff():
		return true, ReasonBudgetWarning, PriorityNormal
	}
	return false, "", ""
}

// Options configures a Manager.
type Options struct {
	// EncryptionKey enables packet encryption at rest when 32 bytes long.
	EncryptionKey []byte
}

// Manager creates, persists and adjudicates handoff packets under a
// two-directory layout: pending/ for open packets, archive/ for accepted
// ones. Directories are 0700 and packet files 0600.
type Manager struct {
	pendingDir string
	archiveDir string

	key     *[32]byte
	keyHint string

	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates the pending/ and archive/ directories under baseDir.
func NewManager(baseDir string, logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		pendingDir: filepath.Join(baseDir, "pending"),
		archiveDir: filepath.Join(baseDir, "archive"),
		logger:     logger,
		now:        time.Now,
	}
	if len(opts.EncryptionKey) > 0 {
		if len(opts.EncryptionKey) != 32 {
			return nil, ErrBadEncryptionKey
		}
		m.key = new([32]byte)
		copy(m.key[:], opts.EncryptionKey)
		encoded := base64.StdEncoding.EncodeToString(opts.EncryptionKey)
		m.keyHint = encoded[:8]
	}
	for _, dir := range []string{m.pendingDir, m.archiveDir} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("create handoff dir: %w", err)
		}
	}
	return m, nil
}

// CreateParams is the input to CreatePacket.
type CreateParams struct {
	SourceAgent   string
	SourceSession string
	Reason        Reason
	Priority      Priority
	TargetAgent   string
	Ticket        TicketContext
	Memory        MemorySnapshot
	Budget        budget.Snapshot
	Notes         string
	Warnings      []string
}

// CreatePacket assembles a sanitized packet with fresh random identity and
// access token, snapshotting HOT context and WARM references from the
// session memory when provided.
func (m *Manager) CreatePacket(params CreateParams) (*Packet, error) {
	packetID, err := util.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate packet id: %w", err)
	}
	accessToken, err := util.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	if params.Priority == "" {
		params.Priority = PriorityNormal
	}

	p := &Packet{
		PacketID:      packetID,
		CreatedAt:     m.now().UTC(),
		SourceAgent:   params.SourceAgent,
		SourceSession: params.SourceSession,
		Reason:        params.Reason,
		Priority:      params.Priority,
		TargetAgent:   params.TargetAgent,
		AccessToken:   accessToken,

		TicketID:       params.Ticket.TicketID,
		TicketStatus:   params.Ticket.Status,
		TicketSummary:  params.Ticket.Summary,
		CompletedTasks: params.Ticket.CompletedTasks,
		PendingTasks:   params.Ticket.PendingTasks,
		Blockers:       params.Ticket.Blockers,
		Decisions:      params.Ticket.Decisions,
		FilesModified:  params.Ticket.FilesModified,
		FilesReviewed:  params.Ticket.FilesReviewed,

		Budget:       params.Budget,
		HandoffNotes: params.Notes,
		Warnings:     params.Warnings,
	}
	if params.Memory != nil {
		p.HotContext = params.Memory.GetHotContext()
		p.HotTokens = params.Memory.HotTokens()
		p.WarmReferences = params.Memory.WarmKeys()
	}

	Sanitize(p)
	metrics.HandoffsCreated.Inc()
	m.logger.Info("Handoff packet created",
		zap.String("packet_id", p.PacketID),
		zap.String("source_agent", p.SourceAgent),
		zap.String("reason", string(p.Reason)),
		zap.String("priority", string(p.Priority)),
		zap.String("target_agent", p.TargetAgent),
	)
	return p, nil
}

// StorePacket signs the packet and writes the envelope to pending/. With
// encrypt=true the packet JSON is sealed with the configured key and the
// envelope carries content plus key_hint in place of the packet. I/O errors
// surface to the caller.
func (m *Manager) StorePacket(p *Packet, encrypt bool) (string, error) {
	if p == nil || p.PacketID == "" {
		return "", errors.New("packet missing id")
	}
	Sanitize(p)

	sig, err := Sign(p)
	if err != nil {
		return "", fmt.Errorf("sign packet: %w", err)
	}
	env := envelope{Signature: sig, Encrypted: encrypt}
	if encrypt {
		if m.key == nil {
			return "", ErrEncryptionDisabled
		}
		plaintext, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("marshal packet: %w", err)
		}
		env.Content, err = m.seal(plaintext)
		if err != nil {
			return "", fmt.Errorf("seal packet: %w", err)
		}
		env.KeyHint = m.keyHint
	} else {
		env.Packet = p
	}

	path := filepath.Join(m.pendingDir, p.PacketID+".json")
	if err := writeFileAtomic(path, env); err != nil {
		return "", err
	}
	m.logger.Info("Handoff packet stored",
		zap.String("packet_id", p.PacketID),
		zap.String("path", path),
		zap.Bool("encrypted", encrypt),
	)
	return path, nil
}

// RetrievePacket loads a packet from pending/ (or archive/ as a fallback).
// With verify=true a signature mismatch returns ok=false; integrity
// failures never panic or error, they log and report not-found. Legacy bare
// packets (no envelope) are accepted without verification.
func (m *Manager) RetrievePacket(packetID string, verify bool) (*Packet, bool) {
	for _, dir := range []string{m.pendingDir, m.archiveDir} {
		path := filepath.Join(dir, packetID+".json")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, _, ok := m.loadPacket(path, verify)
		if !ok {
			return nil, false
		}
		return p, true
	}
	return nil, false
}

// AcceptHandoff validates the acceptance, moves the packet from pending/ to
// archive/ with acceptance metadata on the envelope, and sweeps expired
// archives. Rejections return ok=false and log a warning; the pending file
// is left untouched.
func (m *Manager) AcceptHandoff(packetID, agentName, token string) (*Packet, bool) {
	path := filepath.Join(m.pendingDir, packetID+".json")
	p, env, ok := m.loadPacket(path, true)
	if !ok {
		metrics.HandoffsRejected.WithLabelValues("not_found").Inc()
		return nil, false
	}

	if p.TargetAgent != "" && p.TargetAgent != agentName {
		metrics.HandoffsRejected.WithLabelValues("target_mismatch").Inc()
		m.logger.Warn("Unauthorized handoff acceptance attempt",
			zap.String("packet_id", packetID),
			zap.String("agent", agentName),
			zap.String("target_agent", p.TargetAgent),
			zap.String("reason", "target_mismatch"),
		)
		return nil, false
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(p.AccessToken)) != 1 {
		metrics.HandoffsRejected.WithLabelValues("token_mismatch").Inc()
		m.logger.Warn("Unauthorized handoff acceptance attempt",
			zap.String("packet_id", packetID),
			zap.String("agent", agentName),
			zap.String("reason", "token_mismatch"),
		)
		return nil, false
	}

	now := m.now().UTC()
	env.AcceptedBy = agentName
	env.AcceptedAt = &now
	archivePath := filepath.Join(m.archiveDir, packetID+".json")
	if err := writeFileAtomic(archivePath, env); err != nil {
		m.logger.Warn("Failed to archive handoff packet",
			zap.String("packet_id", packetID), zap.Error(err))
		return nil, false
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("Failed to remove pending packet",
			zap.String("packet_id", packetID), zap.Error(err))
	}

	m.sweepArchive()
	metrics.HandoffsAccepted.Inc()
	m.logger.Info("Handoff accepted",
		zap.String("packet_id", packetID),
		zap.String("accepted_by", agentName),
	)
	return p, true
}

// Encrypts reports whether an encryption key is configured.
func (m *Manager) Encrypts() bool { return m.key != nil }

// PendingPackets lists packet ids currently awaiting acceptance.
func (m *Manager) PendingPackets() []string {
	entries, err := os.ReadDir(m.pendingDir)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids
}

// loadPacket reads one packet file, handling the v2 envelope, encrypted
// content, and legacy v1 bare packets. The returned envelope carries the
// original signature for re-archiving.
func (m *Manager) loadPacket(path string, verify bool) (*Packet, *envelope, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("Unparseable handoff packet", zap.String("path", path), zap.Error(err))
		return nil, nil, false
	}

	if env.Encrypted {
		if m.key == nil {
			m.logger.Warn("Encrypted packet but no key configured", zap.String("path", path))
			return nil, nil, false
		}
		plaintext, ok := m.open(env.Content)
		if !ok {
			m.logger.Warn("Failed to decrypt handoff packet", zap.String("path", path))
			return nil, nil, false
		}
		var p Packet
		if err := json.Unmarshal(plaintext, &p); err != nil {
			m.logger.Warn("Unparseable decrypted packet", zap.String("path", path), zap.Error(err))
			return nil, nil, false
		}
		env.Packet = &p
	}

	if env.Packet == nil {
		// Legacy v1: the file is a bare packet, accepted unverified.
		var p Packet
		if err := json.Unmarshal(raw, &p); err != nil || p.PacketID == "" {
			m.logger.Warn("Unparseable handoff packet", zap.String("path", path))
			return nil, nil, false
		}
		Sanitize(&p)
		return &p, &envelope{Packet: &p}, true
	}

	if verify && !VerifySignature(env.Packet, env.Signature) {
		m.logger.Warn("Handoff signature mismatch", zap.String("path", path))
		return nil, nil, false
	}
	Sanitize(env.Packet)
	return env.Packet, &env, true
}

// sweepArchive deletes archived packets whose age is at or past the
// retention period.
func (m *Manager) sweepArchive() {
	entries, err := os.ReadDir(m.archiveDir)
	if err != nil {
		return
	}
	cutoff := m.now().Add(-RetentionPeriod)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().After(cutoff) {
			path := filepath.Join(m.archiveDir, e.Name())
			if err := os.Remove(path); err == nil {
				m.logger.Debug("Expired archived packet removed", zap.String("path", path))
			}
		}
	}
}

func (m *Manager) seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, m.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (m *Manager) open(content string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil || len(raw) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	return secretbox.Open(nil, raw[24:], &nonce, m.key)
}

// writeFileAtomic marshals v and replaces path via temp file + rename with
// 0600 permissions.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".packet-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
