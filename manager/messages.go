package manager

import (
	"context"
	"sync"

	"github.com/bariiss/hls-offline/model"
	log "github.com/sirupsen/logrus"
)

// HandleMessage runs one command. Failures go back through reply, never as a
// returned error. SKIP_WAITING has no reply.
func (w *Worker) HandleMessage(ctx context.Context, cmd model.Command, reply func(model.Reply)) {
	if reply == nil {
		reply = func(model.Reply) {}
	}

	switch c := cmd.(type) {
	case model.SkipWaitingCommand:
		if err := w.SkipWaiting(ctx); err != nil {
			log.Warnf("skip waiting: %v", err)
		}
	case model.CacheVideoCommand:
		ctx, cancel := w.detach(ctx)
		defer cancel()
		reply(replyFor(w.videos.Cache(ctx, c)))
	case model.UncacheVideoCommand:
		ctx, cancel := w.detach(ctx)
		defer cancel()
		err := w.videos.Uncache(ctx, c)
		if err != nil {
			log.WithField("video_id", c.VideoID).Errorf("removing video failed: %v", err)
		}
		reply(replyFor(err))
	default:
		reply(model.FailureReply(model.ErrUnknownCommand))
	}
}

// HandleEnvelope decodes a raw envelope and runs it. Replies carry the
// envelope id.
func (w *Worker) HandleEnvelope(ctx context.Context, data []byte, reply func(model.Reply)) {
	cmd, env, err := model.ParseCommand(data)
	tagged := func(r model.Reply) {
		r.ReplyTo = env.ID
		if reply != nil {
			reply(r)
		}
	}
	if err != nil {
		log.WithField("type", env.Type).Warnf("rejected message: %v", err)
		tagged(model.FailureReply(err))
		return
	}
	w.HandleMessage(ctx, cmd, tagged)
}

// detach keeps a command running after the caller goes away. It still stops
// when the worker closes, and Close waits for it.
func (w *Worker) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		cancel()
		return ctx, cancel
	}
	w.commands.Add(1)
	stop := context.AfterFunc(w.life, cancel)

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			cancel()
			w.commands.Done()
		})
	}
}

func replyFor(err error) model.Reply {
	if err != nil {
		return model.FailureReply(err)
	}
	return model.SuccessReply()
}
