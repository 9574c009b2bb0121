package publishing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/event-post-assistant/internal/models"
	"github.com/PortNumber53/event-post-assistant/internal/scheduler"
	"github.com/PortNumber53/event-post-assistant/internal/store"
)

var (
	ErrInvalidState = errors.New("invalid state")
	ErrPublish      = errors.New("publish failed")
)

const DefaultPublishTimeout = 30 * time.Second

// staleClaimGrace is added to the publish timeout before a publishing claim counts as abandoned.
const staleClaimGrace = time.Minute

// Post lifecycle events passed to OnChange.
const (
	EventCreated   = "post.created"
	EventScheduled = "post.scheduled"
	EventPublished = "post.published"
	EventFailed    = "post.failed"
	EventCanceled  = "post.canceled"
	EventDeleted   = "post.deleted"
)

type Publisher interface {
	Publish(ctx context.Context, content string, images []string) error
}

type Scheduler interface {
	Register(key string, fireAt time.Time, action scheduler.Action) error
	Cancel(key string) bool
	Pending(key string) bool
}

// GenerationRecord is the generator output a draft was built from.
type GenerationRecord struct {
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
	Prompt   *string  `json:"prompt,omitempty"`
}

type PostDraft struct {
	UserID               int64             `json:"userId,omitempty"`
	Title                string            `json:"title"`
	Content              string            `json:"content"`
	Images               []string          `json:"images,omitempty"`
	EventDate            *time.Time        `json:"eventDate,omitempty"`
	EventLocation        *string           `json:"eventLocation,omitempty"`
	EventDescription     *string           `json:"eventDescription,omitempty"`
	PeopleMetConnections *string           `json:"peopleMetConnections,omitempty"`
	TonePreference       *string           `json:"tonePreference,omitempty"`
	Generation           *GenerationRecord `json:"generation,omitempty"`
}

// Orchestrator owns every post status transition.
//
// Transitions for one post are serialised by an in-process lock. Across processes a publish first
// claims the row (status publishing, tagged with the attempt's job id) through the store's
// compare-and-set, so only one attempt ever reaches the publisher.
type Orchestrator struct {
	store store.Store
	sched Scheduler
	pub   Publisher

	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *log.Logger
	// OnChange, when set, is called after every committed transition. It must not block.
	OnChange func(event string, p models.Post)

	locks keyedMutex
}

func New(st store.Store, sched Scheduler, pub Publisher) *Orchestrator {
	return &Orchestrator{
		store:          st,
		sched:          sched,
		pub:            pub,
		PublishTimeout: DefaultPublishTimeout,
		Now:            time.Now,
		Logger:         log.Default(),
	}
}

func jobKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger == nil {
		log.Printf(format, args...)
		return
	}
	o.Logger.Printf(format, args...)
}

func (o *Orchestrator) emit(event string, p *models.Post) {
	if o.OnChange == nil || p == nil {
		return
	}
	o.OnChange(event, p.Clone())
}

// CreateOrSchedulePost stores a new post. With a scheduleDate the post is scheduled and a
// deferred publish is registered; without one it is published right away.
//
// An immediate publish that fails leaves the post failed and returns it together with an
// error wrapping ErrPublish.
func (o *Orchestrator) CreateOrSchedulePost(ctx context.Context, d PostDraft, scheduleDate *time.Time) (*models.Post, error) {
	p := &models.Post{
		UserID:               d.UserID,
		Title:                strings.TrimSpace(d.Title),
		Content:              d.Content,
		Images:               append([]string{}, d.Images...),
		EventDate:            d.EventDate,
		EventLocation:        d.EventLocation,
		EventDescription:     d.EventDescription,
		PeopleMetConnections: d.PeopleMetConnections,
		TonePreference:       d.TonePreference,
		Status:               models.StatusDraft,
	}
	if scheduleDate != nil {
		sd := scheduleDate.UTC()
		p.Status = models.StatusScheduled
		p.ScheduleDate = &sd
	}

	created, err := o.store.CreatePost(ctx, p)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(created.ID)
	defer unlock()

	o.logf("[Posts] created postId=%d status=%s", created.ID, created.Status)
	o.emit(EventCreated, created)

	if d.Generation != nil && strings.TrimSpace(d.Generation.Content) != "" {
		if _, err := o.store.CreatePostGeneration(ctx, &models.PostGeneration{
			PostID:           created.ID,
			GeneratedContent: d.Generation.Content,
			AIPrompt:         d.Generation.Prompt,
			Hashtags:         d.Generation.Hashtags,
		}); err != nil {
			o.logf("[Posts] generation_record_failed postId=%d err=%v", created.ID, err)
		}
	}

	if created.Status == models.StatusScheduled {
		o.register(created)
		o.emit(EventScheduled, created)
		return created, nil
	}
	return o.publishLocked(ctx, created)
}

func (o *Orchestrator) ListPosts(ctx context.Context) ([]models.Post, error) {
	return o.store.ListPosts(ctx)
}

func (o *Orchestrator) ListScheduledPosts(ctx context.Context) ([]models.Post, error) {
	return o.store.ListScheduledPosts(ctx)
}

func (o *Orchestrator) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	return o.store.GetPost(ctx, id)
}

func (o *Orchestrator) ListPostGenerations(ctx context.Context, postID int64) ([]models.PostGeneration, error) {
	if _, err := o.store.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return o.store.ListPostGenerations(ctx, postID)
}

// CancelSchedule demotes a scheduled post to draft and drops its pending job.
// The scheduleDate is kept so the client can offer it again.
func (o *Orchestrator) CancelSchedule(ctx context.Context, id int64) (*models.Post, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	p, err := o.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusScheduled {
		return nil, fmt.Errorf("%w: post %d is %s, not scheduled", ErrInvalidState, id, p.Status)
	}

	removed := o.sched.Cancel(jobKey(id))
	out, err := o.store.TransitionPost(ctx, id, store.Transition{From: models.StatusScheduled, To: models.StatusDraft})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}
	o.logf("[Posts] canceled postId=%d jobRemoved=%v", id, removed)
	o.emit(EventCanceled, out)
	return out, nil
}

// RepublishPost sends a draft or failed post through submission again, scheduled when
// scheduleDate is set and immediately otherwise.
func (o *Orchestrator) RepublishPost(ctx context.Context, id int64, scheduleDate *time.Time) (*models.Post, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	p, err := o.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusDraft && p.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: post %d is %s", ErrInvalidState, id, p.Status)
	}

	if scheduleDate == nil {
		return o.publishLocked(ctx, p)
	}

	sd := scheduleDate.UTC()
	out, err := o.store.TransitionPost(ctx, id, store.Transition{From: p.Status, To: models.StatusScheduled, ScheduleDate: &sd})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}
	o.register(out)
	o.emit(EventScheduled, out)
	return out, nil
}

// DeletePost removes a post in any state together with its generations and pending job.
func (o *Orchestrator) DeletePost(ctx context.Context, id int64) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	p, err := o.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	o.sched.Cancel(jobKey(id))
	if err := o.store.DeletePost(ctx, id); err != nil {
		return err
	}
	o.logf("[Posts] deleted postId=%d status=%s", id, p.Status)
	o.emit(EventDeleted, p)
	return nil
}

// Recover registers a job for every scheduled post. Run it once at startup; past-due posts fire immediately.
// Abandoned publishing claims are failed first.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if _, err := o.FailStaleClaims(ctx); err != nil {
		return 0, err
	}
	posts, err := o.store.ListScheduledPosts(ctx)
	if err != nil {
		return 0, err
	}
	for i := range posts {
		o.register(&posts[i])
	}
	o.logf("[Posts] recovered scheduled=%d", len(posts))
	return len(posts), nil
}

// Reconcile registers scheduled posts that have no pending job, e.g. rows written by another process.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if _, err := o.FailStaleClaims(ctx); err != nil {
		return 0, err
	}
	posts, err := o.store.ListScheduledPosts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range posts {
		if o.sched.Pending(jobKey(posts[i].ID)) {
			continue
		}
		o.register(&posts[i])
		n++
	}
	if n > 0 {
		o.logf("[Posts] reconciled registered=%d scheduled=%d", n, len(posts))
	}
	return n, nil
}

// FailStaleClaims moves posts stuck in publishing longer than the publish timeout plus a grace
// period to failed with "publish_interrupted". The publisher may or may not have received them,
// so they are never retried automatically.
func (o *Orchestrator) FailStaleClaims(ctx context.Context) (int, error) {
	posts, err := o.store.ListPostsByStatus(ctx, models.StatusPublishing)
	if err != nil {
		return 0, err
	}
	cutoff := o.now().Add(-(o.publishTimeout() + staleClaimGrace))
	n := 0
	for i := range posts {
		p := &posts[i]
		if p.LastPublishAttemptAt != nil && p.LastPublishAttemptAt.After(cutoff) {
			continue
		}
		if o.failStaleClaim(ctx, p) {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) failStaleClaim(ctx context.Context, p *models.Post) bool {
	unlock := o.locks.Lock(p.ID)
	defer unlock()

	claim := ""
	if p.LastPublishJobID != nil {
		claim = *p.LastPublishJobID
	}
	out, err := o.store.TransitionPost(ctx, p.ID, store.Transition{
		From:       models.StatusPublishing,
		To:         models.StatusFailed,
		Error:      "publish_interrupted",
		ClaimJobID: claim,
	})
	if err != nil {
		o.logf("[Posts] stale_claim_skipped postId=%d jobId=%s err=%v", p.ID, claim, err)
		return false
	}
	o.logf("[Posts] stale_claim_failed postId=%d jobId=%s", p.ID, claim)
	o.emit(EventFailed, out)
	return true
}

func (o *Orchestrator) publishTimeout() time.Duration {
	if o.PublishTimeout <= 0 {
		return DefaultPublishTimeout
	}
	return o.PublishTimeout
}

func (o *Orchestrator) register(p *models.Post) {
	fireAt := o.now()
	if p.ScheduleDate != nil {
		fireAt = *p.ScheduleDate
	}
	id := p.ID
	if err := o.sched.Register(jobKey(id), fireAt, func(ctx context.Context) {
		o.fire(ctx, id)
	}); err != nil {
		// The row stays scheduled; Recover or Reconcile will pick it up.
		o.logf("[Posts] register_failed postId=%d err=%v", id, err)
	}
}

// fire is the scheduler callback. It only publishes when the post is still scheduled.
func (o *Orchestrator) fire(ctx context.Context, id int64) {
	unlock := o.locks.Lock(id)
	defer unlock()

	p, err := o.store.GetPost(ctx, id)
	if err != nil {
		o.logf("[Posts] fire_skipped postId=%d reason=load_failed err=%v", id, err)
		return
	}
	if p.Status != models.StatusScheduled {
		o.logf("[Posts] fire_skipped postId=%d reason=status_%s", id, p.Status)
		return
	}
	if _, err := o.publishLocked(ctx, p); err != nil {
		if errors.Is(err, ErrInvalidState) {
			o.logf("[Posts] fire_skipped postId=%d reason=claimed err=%v", id, err)
			return
		}
		o.logf("[Posts] fire_failed postId=%d err=%v", id, err)
	}
}

// publishLocked claims p for one attempt, calls the publisher and commits the outcome against that claim.
// The caller holds the post lock.
//
// The claim is a compare-and-set from p's current status to publishing; losing it means another
// attempt (possibly in another process) owns the post, and the publisher is not called. Once claimed
// the publish ignores ctx cancellation and is bounded only by PublishTimeout.
func (o *Orchestrator) publishLocked(ctx context.Context, p *models.Post) (*models.Post, error) {
	from := p.Status
	jobID := uuid.NewString()

	claimed, err := o.store.TransitionPost(ctx, p.ID, store.Transition{From: from, To: models.StatusPublishing, JobID: jobID})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}

	o.logf("[Posts] publish_start postId=%d jobId=%s from=%s images=%d", p.ID, jobID, from, len(claimed.Images))
	detached := context.WithoutCancel(ctx)
	pctx, cancel := context.WithTimeout(detached, o.publishTimeout())
	pubErr := o.pub.Publish(pctx, claimed.Content, claimed.Images)
	if pubErr == nil && pctx.Err() != nil {
		pubErr = pctx.Err()
	}
	cancel()

	if pubErr != nil {
		msg := pubErr.Error()
		if errors.Is(pubErr, context.DeadlineExceeded) {
			msg = "publish_timeout"
		}
		out, err := o.store.TransitionPost(detached, p.ID, store.Transition{From: models.StatusPublishing, To: models.StatusFailed, Error: msg, ClaimJobID: jobID})
		if err != nil {
			o.logf("[Posts] publish_failed_commit_error postId=%d jobId=%s err=%v", p.ID, jobID, err)
			return nil, fmt.Errorf("%w: %v", ErrPublish, pubErr)
		}
		o.logf("[Posts] publish_failed postId=%d jobId=%s err=%v", p.ID, jobID, pubErr)
		o.emit(EventFailed, out)
		return out, fmt.Errorf("%w: %v", ErrPublish, pubErr)
	}

	out, err := o.store.TransitionPost(detached, p.ID, store.Transition{From: models.StatusPublishing, To: models.StatusPublished, ClaimJobID: jobID})
	if err != nil {
		o.logf("[Posts] publish_commit_error postId=%d jobId=%s err=%v", p.ID, jobID, err)
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}
	o.logf("[Posts] published postId=%d jobId=%s", p.ID, jobID)
	o.emit(EventPublished, out)
	return out, nil
}
