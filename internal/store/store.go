package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/forgesim/internal/store"

// ErrReadOnly is raised (as a panic value) when a View transaction attempts a write.
var ErrReadOnly = errors.New("write in read-only transaction")

type data struct {
	users         table[models.User]
	orgs          table[models.Organization]
	orgMembers    table[models.OrgMember]
	accessTokens  table[models.AccessToken]
	repos         table[models.Repository]
	collaborators table[models.Collaborator]
	branches      table[models.Branch]
	commits       table[models.Commit]
	directories   table[models.Directory]
	files         table[models.File]
	fileContents  table[models.FileContent]
	issues        table[models.Issue]
	labels        table[models.Label]
	labelLinks    table[models.LabelLink]
	pullRequests  table[models.PullRequest]
	reviews       table[models.PRReview]
	comments      table[models.Comment]
	releases      table[models.Release]
	workflows     table[models.Workflow]

	sequences map[string]int64
}

func newData() *data {
	return &data{
		users:         newTable[models.User](),
		orgs:          newTable[models.Organization](),
		orgMembers:    newTable[models.OrgMember](),
		accessTokens:  newTable[models.AccessToken](),
		repos:         newTable[models.Repository](),
		collaborators: newTable[models.Collaborator](),
		branches:      newTable[models.Branch](),
		commits:       newTable[models.Commit](),
		directories:   newTable[models.Directory](),
		files:         newTable[models.File](),
		fileContents:  newTable[models.FileContent](),
		issues:        newTable[models.Issue](),
		labels:        newTable[models.Label](),
		labelLinks:    newTable[models.LabelLink](),
		pullRequests:  newTable[models.PullRequest](),
		reviews:       newTable[models.PRReview](),
		comments:      newTable[models.Comment](),
		releases:      newTable[models.Release](),
		workflows:     newTable[models.Workflow](),
		sequences:     make(map[string]int64),
	}
}

// Store is the shared entity graph. Every read and write goes through a
// transaction holding the single store lock, so id allocation, capability
// checks and the writes they gate happen in one critical section.
type Store struct {
	mu      sync.RWMutex
	d       *data
	metrics *storeMetrics
	tracer  trace.Tracer
	version uint64
}

type Options struct {
	// Registerer receives the store metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func New(opts Options) *Store {
	return &Store{
		d:       newData(),
		metrics: newStoreMetrics(opts.Registerer),
		tracer:  otel.Tracer(tracerName),
	}
}

// Tx is a transaction over the store. It is only valid inside the callback
// passed to View or Update.
type Tx struct {
	d        *data
	writable bool
	undo     []func()
}

func (tx *Tx) mustWrite() {
	if !tx.writable {
		panic(ErrReadOnly)
	}
}

func (tx *Tx) journal(fn func()) { tx.undo = append(tx.undo, fn) }

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// View runs fn under the shared read lock.
func (s *Store) View(ctx context.Context, op string, fn func(tx *Tx) error) error {
	_, span := s.tracer.Start(ctx, "store.view "+op, trace.WithAttributes(attribute.String("store.op", op)))
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	err := fn(&Tx{d: s.d})
	s.mu.RUnlock()

	s.metrics.observe(op, "view", err, time.Since(start))
	recordSpanError(span, err)
	return err
}

// Update runs fn under the exclusive lock. If fn returns an error or panics,
// every write it made is undone before the lock is released.
func (s *Store) Update(ctx context.Context, op string, fn func(tx *Tx) error) (err error) {
	_, span := s.tracer.Start(ctx, "store.update "+op, trace.WithAttributes(attribute.String("store.op", op)))
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	tx := &Tx{d: s.d, writable: true}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			s.mu.Unlock()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		} else if len(tx.undo) > 0 {
			s.version++
		}
		s.mu.Unlock()
		s.metrics.observe(op, "update", err, time.Since(start))
		recordSpanError(span, err)
	}()
	return fn(tx)
}

// Version counts committed write transactions. It lets background flushers
// skip persistence when nothing changed.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func recordSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// NextSequence increments and returns the named counter. Used for numbering
// that must never repeat, like issue and pull request numbers per repository.
func (tx *Tx) NextSequence(key string) int64 {
	tx.mustWrite()
	prev, existed := tx.d.sequences[key]
	tx.d.sequences[key] = prev + 1
	tx.journal(func() {
		if existed {
			tx.d.sequences[key] = prev
		} else {
			delete(tx.d.sequences, key)
		}
	})
	return prev + 1
}

// RaiseSequence makes sure the named counter is at least n.
func (tx *Tx) RaiseSequence(key string, n int64) {
	tx.mustWrite()
	prev, existed := tx.d.sequences[key]
	if existed && prev >= n {
		return
	}
	tx.d.sequences[key] = n
	tx.journal(func() {
		if existed {
			tx.d.sequences[key] = prev
		} else {
			delete(tx.d.sequences, key)
		}
	})
}

func (tx *Tx) Users() Table[models.User] { return Table[models.User]{tx, &tx.d.users} }
func (tx *Tx) Orgs() Table[models.Organization] { return Table[models.Organization]{tx, &tx.d.orgs} }
func (tx *Tx) OrgMembers() Table[models.OrgMember] { return Table[models.OrgMember]{tx, &tx.d.orgMembers} }
func (tx *Tx) AccessTokens() Table[models.AccessToken] { return Table[models.AccessToken]{tx, &tx.d.accessTokens} }
func (tx *Tx) Repos() Table[models.Repository] { return Table[models.Repository]{tx, &tx.d.repos} }
func (tx *Tx) Collaborators() Table[models.Collaborator] { return Table[models.Collaborator]{tx, &tx.d.collaborators} }
func (tx *Tx) Branches() Table[models.Branch] { return Table[models.Branch]{tx, &tx.d.branches} }
func (tx *Tx) Commits() Table[models.Commit] { return Table[models.Commit]{tx, &tx.d.commits} }
func (tx *Tx) Directories() Table[models.Directory] { return Table[models.Directory]{tx, &tx.d.directories} }
func (tx *Tx) Files() Table[models.File] { return Table[models.File]{tx, &tx.d.files} }
func (tx *Tx) FileContents() Table[models.FileContent] { return Table[models.FileContent]{tx, &tx.d.fileContents} }
func (tx *Tx) Issues() Table[models.Issue] { return Table[models.Issue]{tx, &tx.d.issues} }
func (tx *Tx) Labels() Table[models.Label] { return Table[models.Label]{tx, &tx.d.labels} }
func (tx *Tx) LabelLinks() Table[models.LabelLink] { return Table[models.LabelLink]{tx, &tx.d.labelLinks} }
func (tx *Tx) PullRequests() Table[models.PullRequest] { return Table[models.PullRequest]{tx, &tx.d.pullRequests} }
func (tx *Tx) Reviews() Table[models.PRReview] { return Table[models.PRReview]{tx, &tx.d.reviews} }
func (tx *Tx) Comments() Table[models.Comment] { return Table[models.Comment]{tx, &tx.d.comments} }
func (tx *Tx) Releases() Table[models.Release] { return Table[models.Release]{tx, &tx.d.releases} }
func (tx *Tx) Workflows() Table[models.Workflow] { return Table[models.Workflow]{tx, &tx.d.workflows} }

// Counts returns the number of rows held by each table, keyed by table name.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.d
	return map[string]int{
		"users":                    len(d.users.rows),
		"organizations":            len(d.orgs.rows),
		"organization_members":     len(d.orgMembers.rows),
		"access_tokens":            len(d.accessTokens.rows),
		"repositories":             len(d.repos.rows),
		"repository_collaborators": len(d.collaborators.rows),
		"branches":                 len(d.branches.rows),
		"commits":                  len(d.commits.rows),
		"directories":              len(d.directories.rows),
		"files":                    len(d.files.rows),
		"file_contents":            len(d.fileContents.rows),
		"issues":                   len(d.issues.rows),
		"labels":                   len(d.labels.rows),
		"label_links":              len(d.labelLinks.rows),
		"pull_requests":            len(d.pullRequests.rows),
		"pull_request_reviews":     len(d.reviews.rows),
		"comments":                 len(d.comments.rows),
		"releases":                 len(d.releases.rows),
		"workflows":                len(d.workflows.rows),
	}
}
