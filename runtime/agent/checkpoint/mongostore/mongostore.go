// Package mongostore implements a MongoDB-backed checkpoint.Journal for
// production deployments where the journal must survive process restarts.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/afk-project/afk-core/runtime/agent/checkpoint"
)

// Options configures the Mongo-backed Journal.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

const (
	defaultCollection = "afk_checkpoint_frames"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

// Journal implements checkpoint.Journal backed by MongoDB. Each frame is a
// document; the run's latest pointer is a second document in the same
// collection keyed by run_id with phase "" so a single compound index
// serves both frame lookup and latest-pointer lookup.
type Journal struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

type frameDocument struct {
	RunID     string    `bson:"run_id"`
	Step      int       `bson:"step"`
	Phase     string    `bson:"phase"`
	Timestamp time.Time `bson:"timestamp"`
	Payload   []byte    `bson:"payload"`
}

type latestDocument struct {
	RunID string `bson:"run_id"`
	Step  int    `bson:"latest_step"`
	Phase string `bson:"latest_phase"`
}

// New constructs a Journal backed by opts.Client.
func New(ctx context.Context, opts Options) (*Journal, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(idxCtx, coll); err != nil {
		return nil, err
	}
	return &Journal{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name identifies this client for health reporting.
func (j *Journal) Name() string { return clientName }

// Ping satisfies health.Pinger.
func (j *Journal) Ping(ctx context.Context) error {
	return j.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Journal)(nil)

// WriteFrame upserts the frame document and advances the latest pointer in
// the same collection. Mongo does not give us a cross-document transaction
// here by default; we write the frame first so the invariant "every latest
// pointer references an existing frame" holds even under a crash between
// the two writes — a crash after the frame write just leaves the pointer
// stale, not dangling.
func (j *Journal) WriteFrame(ctx context.Context, frame checkpoint.Frame) error {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	doc := frameDocument{
		RunID:     frame.RunID,
		Step:      frame.Step,
		Phase:     string(frame.Phase),
		Timestamp: frame.Timestamp.UTC(),
		Payload:   append([]byte(nil), frame.Payload...),
	}
	filter := bson.M{"run_id": frame.RunID, "step": frame.Step, "phase": string(frame.Phase)}
	if _, err := j.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongostore: write frame: %w", err)
	}

	ptrFilter := bson.M{"run_id": frame.RunID, "phase": ""}
	ptrDoc := latestDocument{RunID: frame.RunID, Step: frame.Step, Phase: string(frame.Phase)}
	if _, err := j.coll.ReplaceOne(ctx, ptrFilter, bson.M{
		"run_id": ptrDoc.RunID, "phase": "", "latest_step": ptrDoc.Step, "latest_phase": ptrDoc.Phase,
	}, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongostore: advance latest pointer: %w", err)
	}
	return nil
}

// Latest returns the most recently written frame for runID.
func (j *Journal) Latest(ctx context.Context, runID string) (checkpoint.Frame, error) {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	var ptr latestDocument
	err := j.coll.FindOne(ctx, bson.M{"run_id": runID, "phase": ""}).Decode(&ptr)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return checkpoint.Frame{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Frame{}, fmt.Errorf("mongostore: latest pointer: %w", err)
	}
	return j.Frame(ctx, runID, ptr.Step, checkpoint.Phase(ptr.Phase))
}

// Frame returns the frame written for runID at (step, phase).
func (j *Journal) Frame(ctx context.Context, runID string, step int, phase checkpoint.Phase) (checkpoint.Frame, error) {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	var doc frameDocument
	err := j.coll.FindOne(ctx, bson.M{"run_id": runID, "step": step, "phase": string(phase)}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return checkpoint.Frame{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Frame{}, fmt.Errorf("mongostore: load frame: %w", err)
	}
	return checkpoint.Frame{
		RunID:     doc.RunID,
		Step:      doc.Step,
		Phase:     checkpoint.Phase(doc.Phase),
		Timestamp: doc.Timestamp,
		Payload:   doc.Payload,
	}, nil
}

// ListFrames returns every frame written for runID, ordered by step then by
// insertion order within a step.
func (j *Journal) ListFrames(ctx context.Context, runID string) ([]checkpoint.Frame, error) {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	cur, err := j.coll.Find(ctx, bson.M{"run_id": runID, "phase": bson.M{"$ne": ""}}, options.Find().SetSort(bson.D{{Key: "step", Value: 1}, {Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list frames: %w", err)
	}
	defer cur.Close(ctx)

	var frames []checkpoint.Frame
	for cur.Next(ctx) {
		var doc frameDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode frame: %w", err)
		}
		frames = append(frames, checkpoint.Frame{
			RunID:     doc.RunID,
			Step:      doc.Step,
			Phase:     checkpoint.Phase(doc.Phase),
			Timestamp: doc.Timestamp,
			Payload:   doc.Payload,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: cursor: %w", err)
	}
	return frames, nil
}

func (j *Journal) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, j.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "step", Value: 1}, {Key: "phase", Value: 1}},
	})
	return err
}
