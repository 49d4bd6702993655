package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"pearlbot.ai/internal/retrieval"
	"pearlbot.ai/internal/tracker"
)

// Entry is one line of the pearl journal.
type Entry struct {
	Time     time.Time `json:"ts"`
	RunID    string    `json:"run_id"`
	Identity string    `json:"identity"`
	Source   string    `json:"source"`
	Kind     string    `json:"kind"`

	Pearl   int64       `json:"pearl,omitempty"`
	Owner   string      `json:"owner,omitempty"`
	Pos     *[3]float64 `json:"pos,omitempty"`
	Claimed bool        `json:"claimed,omitempty"`
	From    string      `json:"from,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

const (
	SourceTracker   = "tracker"
	SourceRetrieval = "retrieval"
	SourceAgent     = "agent"
)

// Journal records lifecycle transitions for every agent in the process.
type Journal struct {
	w     *JSONLZstdWriter
	runID string
	now   func() time.Time
}

// NewJournal starts a journal under dir. Files carry the run id so that
// several processes can share one directory.
func NewJournal(dir string) *Journal {
	runID := uuid.NewString()
	return &Journal{
		w:     NewJSONLZstdWriter(dir, "pearls", runID),
		runID: runID,
		now:   time.Now,
	}
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) Close() error { return j.w.Close() }

func (j *Journal) Sync() error { return j.w.Sync() }

// Agent returns a recorder bound to one identity.
func (j *Journal) Agent(identity string) *AgentJournal {
	return &AgentJournal{j: j, identity: identity}
}

type AgentJournal struct {
	j        *Journal
	identity string
}

func (a *AgentJournal) write(e Entry) error {
	e.RunID = a.j.runID
	e.Identity = a.identity
	if e.Time.IsZero() {
		e.Time = a.j.now().UTC()
	}
	return a.j.w.Write(e)
}

func (a *AgentJournal) Tracker(tr tracker.Transition) error {
	pos := tr.Pos.ToArray()
	e := Entry{Source: SourceTracker, Kind: tr.Kind.String(), Pearl: int64(tr.ID), Owner: tr.Owner, Pos: &pos, Claimed: tr.Claimed}
	if !tr.At.IsZero() {
		e.Time = tr.At.UTC()
	}
	return a.write(e)
}

func (a *AgentJournal) Retrieval(tr retrieval.Transition) error {
	return a.write(Entry{
		Source: SourceRetrieval,
		Kind:   tr.To.String(),
		From:   tr.From.String(),
		Pearl:  int64(tr.Target),
		Owner:  tr.Owner,
		Reason: tr.Reason,
	})
}

// Note records an agent-level event such as connect or disconnect.
func (a *AgentJournal) Note(kind, reason string) error {
	return a.write(Entry{Source: SourceAgent, Kind: kind, Reason: reason})
}

// ReadFile streams every entry of one journal file to fn.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Read(f, fn)
}

func Read(r io.Reader, fn func(Entry) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Files lists the journal files under dir, ordered by hour and then run id.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "pearls-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
