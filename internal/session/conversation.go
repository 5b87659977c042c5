// ABOUTME: Conversation state machine driving multi-step flows for one tenant
// ABOUTME: Validates each step, bounds retries and hands completed flows to storage

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/tally-gateway/internal/convstate"
	"github.com/2389/tally-gateway/internal/extract"
	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/messaging"
)

const (
	msgGenericFailure   = "Something went wrong, please try again."
	msgTimeout          = "That is taking longer than it should. Please send your last answer again."
	msgUnknown          = "I did not understand that. Send /help to see what I can do."
	msgCancelled        = "Cancelled."
	msgNothingToCancel  = "There is nothing to cancel."
	msgTooManyInvalid   = "Too many invalid answers, so I cancelled this. Send /help to start over."
	msgReceiptUnread    = "I could not read that receipt. Try a clearer photo, or use /expense."
	msgReceiptDisabled  = "Receipt scanning is not set up for this bot."
	msgPhotoPrompt      = "Send me a photo of the receipt."
	msgReceiptDiscarded = "Discarded."
	defaultCategory     = "Other"
)

// dispatch routes one event through the conversation state machine.
func (s *Session) dispatch(ctx context.Context, ev messaging.InboundEvent) error {
	if ev.Kind == messaging.KindPhoto {
		return s.startReceipt(ctx, ev)
	}

	switch {
	case flow.IsCancel(ev.Text):
		return s.cancelFlow(ctx, ev)
	case flow.IsHelp(ev.Text):
		s.send(ev.ChatID, flow.HelpText)
		return nil
	case flow.IsReceiptPrompt(ev.Text):
		s.sendPhotoPrompt(ev.ChatID, msgPhotoPrompt)
		return nil
	}

	// A flow-start message replaces whatever flow the user was in.
	if kind := flow.MatchTrigger(ev.Text); kind != flow.KindNone {
		return s.startFlow(ctx, ev, kind, nil)
	}

	st, err := s.states.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if st == nil {
		s.send(ev.ChatID, msgUnknown)
		return nil
	}
	return s.advance(ctx, ev, st)
}

func (s *Session) cancelFlow(ctx context.Context, ev messaging.InboundEvent) error {
	st, err := s.states.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if st == nil {
		s.send(ev.ChatID, msgNothingToCancel)
		return nil
	}
	if err := s.states.Clear(ctx, ev.UserID); err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}
	s.metrics.Flow(string(st.Flow), "cancelled")
	s.send(ev.ChatID, msgCancelled)
	return nil
}

func (s *Session) startFlow(ctx context.Context, ev messaging.InboundEvent, kind flow.Kind, seed map[string]string) error {
	def, ok := flow.Lookup(kind)
	if !ok {
		return fmt.Errorf("no definition for flow %q", kind)
	}
	collected := make(map[string]string, len(def.Seed)+len(seed))
	for k, v := range def.Seed {
		collected[k] = v
	}
	for k, v := range seed {
		collected[k] = v
	}

	probe := &convstate.State{Flow: kind, Collected: collected}
	options, err := s.stepOptions(ctx, def.Steps[0], probe)
	if err != nil {
		return err
	}

	st, err := s.states.Start(ctx, ev.UserID, kind, collected)
	if err != nil {
		return fmt.Errorf("starting flow: %w", err)
	}
	s.metrics.Flow(string(kind), "started")
	s.logger.Debug("flow started", "user_id", ev.UserID, "flow", kind)

	s.sendChoices(ev.ChatID, def.Title+"\n"+def.Steps[st.Step].Prompt, options)
	return nil
}

// advance feeds one answer into the current step.
func (s *Session) advance(ctx context.Context, ev messaging.InboundEvent, st *convstate.State) error {
	def, ok := flow.Lookup(st.Flow)
	if !ok || st.Step >= len(def.Steps) {
		_ = s.states.Clear(ctx, ev.UserID)
		return fmt.Errorf("conversation in unknown position %s/%d", st.Flow, st.Step)
	}
	step := def.Steps[st.Step]

	env := flow.Env{}
	if step.NeedsCategories {
		cats, err := s.listCategories(ctx, st.Collected[flow.FieldType])
		if err != nil {
			return err
		}
		env.Categories = cats
	}

	value, err := step.Parse(ev.Text, st.Collected, env)
	var verr *flow.ValidationError
	if errors.As(err, &verr) {
		return s.rejectInput(ctx, ev, def, st, verr, env.Categories)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", step.Field, err)
	}

	st.Collected[step.Field] = value
	st.Invalid = 0
	st.Step++

	if st.Flow == flow.KindReceiptPhoto && step.Field == flow.FieldConfirm && value == "no" {
		if err := s.states.Clear(ctx, ev.UserID); err != nil {
			return fmt.Errorf("clearing conversation: %w", err)
		}
		s.metrics.Flow(string(st.Flow), "cancelled")
		s.send(ev.ChatID, msgReceiptDiscarded)
		return nil
	}

	if def.Final(st.Step) {
		return s.complete(ctx, ev, st)
	}

	// Fetch what the next prompt needs before saving, so a failure leaves the
	// user on the step they just answered.
	next := def.Steps[st.Step]
	options, err := s.stepOptions(ctx, next, st)
	if err != nil {
		return err
	}
	if err := s.states.Save(ctx, st); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	s.sendChoices(ev.ChatID, next.Prompt, options)
	return nil
}

func (s *Session) rejectInput(ctx context.Context, ev messaging.InboundEvent, def *flow.Definition, st *convstate.State, verr *flow.ValidationError, categories []string) error {
	st.Invalid++
	if st.Invalid >= s.cfg.MaxInvalidInputs {
		if err := s.states.Clear(ctx, ev.UserID); err != nil {
			return fmt.Errorf("clearing conversation: %w", err)
		}
		s.metrics.Flow(string(st.Flow), "abandoned")
		s.logger.Info("flow cancelled after invalid inputs", "user_id", ev.UserID, "flow", st.Flow, "attempts", st.Invalid)
		s.send(ev.ChatID, msgTooManyInvalid)
		return nil
	}

	if err := s.states.Save(ctx, st); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	step := def.Steps[st.Step]
	var options []string
	switch {
	case step.NeedsCategories:
		options = categories
	default:
		options = fixedOptions(step)
	}
	s.sendChoices(ev.ChatID, fmt.Sprintf("That does not look right (%s).\n%s", verr.Reason, step.Prompt), options)
	return nil
}

// complete stores the flow's result. The conversation is cleared only after the
// store accepted it, so a timeout leaves the user able to resend the last answer.
func (s *Session) complete(ctx context.Context, ev messaging.InboundEvent, st *convstate.State) error {
	res, err := flow.BuildResult(st.Flow, st.Collected)
	if err != nil {
		_ = s.states.Clear(ctx, ev.UserID)
		s.metrics.Flow(string(st.Flow), "failed")
		return fmt.Errorf("building result: %w", err)
	}

	var id string
	switch {
	case res.Transaction != nil:
		err = s.callExternal(ctx, "create_transaction", func(cctx context.Context) error {
			var cerr error
			id, cerr = s.cfg.Records.CreateTransaction(cctx, s.tenantID, *res.Transaction)
			return cerr
		})
	case res.Category != nil:
		err = s.callExternal(ctx, "create_category", func(cctx context.Context) error {
			var cerr error
			id, cerr = s.cfg.Records.CreateCategory(cctx, s.tenantID, *res.Category)
			return cerr
		})
	}
	if err != nil {
		return err
	}

	if err := s.states.Clear(ctx, ev.UserID); err != nil {
		s.logger.Warn("failed to clear completed conversation", "user_id", ev.UserID, "error", err)
	}
	s.metrics.Flow(string(st.Flow), "completed")
	s.logger.Info("flow completed", "user_id", ev.UserID, "flow", st.Flow, "record_id", id)
	s.send(ev.ChatID, res.Summary())
	return nil
}

// startReceipt downloads the photo, extracts a draft record and asks for confirmation.
func (s *Session) startReceipt(ctx context.Context, ev messaging.InboundEvent) error {
	if s.cfg.Extractor == nil {
		s.send(ev.ChatID, msgReceiptDisabled)
		return nil
	}
	client := s.currentClient()
	if client == nil {
		return ErrStopped
	}
	_ = client.SendTyping(ctx, ev.ChatID)

	var rec *flow.Record
	err := s.callExternal(ctx, "extract_receipt", func(cctx context.Context) error {
		image, err := client.DownloadFile(cctx, ev.FileRef)
		if err != nil {
			return fmt.Errorf("downloading photo: %w", err)
		}
		cats, err := s.cfg.Records.ListCategories(cctx, s.tenantID, flow.TypeExpense)
		if err != nil {
			return fmt.Errorf("listing categories: %w", err)
		}
		rec, err = s.cfg.Extractor.Extract(cctx, image, cats)
		return err
	})
	if errors.Is(err, extract.ErrExtractionFailed) || (err == nil && rec == nil) {
		s.logger.Info("receipt not readable", "user_id", ev.UserID, "error", err)
		s.metrics.Flow(string(flow.KindReceiptPhoto), "unreadable")
		s.send(ev.ChatID, msgReceiptUnread)
		return nil
	}
	if err != nil {
		return err
	}

	if rec.Category == "" {
		rec.Category = defaultCategory
	}
	if ev.Text != "" && rec.Note == "" {
		rec.Note = ev.Text
	}
	draft := &flow.Result{Transaction: rec}
	s.send(ev.ChatID, "From the receipt: "+draftLine(draft))
	return s.startFlow(ctx, ev, flow.KindReceiptPhoto, flow.SeedFromRecord(rec))
}

func draftLine(r *flow.Result) string {
	t := r.Transaction
	line := fmt.Sprintf("%s of %s in %q", t.Type, flow.FormatAmount(t.AmountMinor), t.Category)
	if t.Note != "" {
		line += " (" + t.Note + ")"
	}
	return line + "."
}

// stepOptions returns the keyboard choices for a step. Category steps consult the record store.
func (s *Session) stepOptions(ctx context.Context, step flow.Step, st *convstate.State) ([]string, error) {
	if step.NeedsCategories {
		return s.listCategories(ctx, st.Collected[flow.FieldType])
	}
	return fixedOptions(step), nil
}

func fixedOptions(step flow.Step) []string {
	switch step.Field {
	case flow.FieldType:
		return []string{flow.TypeIncome, flow.TypeExpense}
	case flow.FieldConfirm:
		return []string{"yes", "no"}
	}
	return nil
}

func (s *Session) listCategories(ctx context.Context, typ string) ([]string, error) {
	var cats []string
	err := s.callExternal(ctx, "list_categories", func(cctx context.Context) error {
		var err error
		cats, err = s.cfg.Records.ListCategories(cctx, s.tenantID, typ)
		return err
	})
	return cats, err
}

// callExternal runs fn under the completion timeout. fn runs on its own goroutine
// so a collaborator that ignores its context cannot hold the lane past the deadline.
func (s *Session) callExternal(ctx context.Context, name string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		done <- fn(cctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}
	s.metrics.ExternalCall(name, err, time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", name, ErrExternalServiceTimeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrExternalServiceTimeout)
}

// send, sendChoices and sendPhotoPrompt deliver replies on the session context.
// Failures are logged and counted against the transport budget, never returned.
func (s *Session) send(chatID int64, text string) {
	s.reply(chatID, func(ctx context.Context, c messaging.Client) error {
		return c.SendMessage(ctx, chatID, text)
	})
}

func (s *Session) sendChoices(chatID int64, text string, options []string) {
	s.reply(chatID, func(ctx context.Context, c messaging.Client) error {
		return c.SendChoices(ctx, chatID, text, options)
	})
}

func (s *Session) sendPhotoPrompt(chatID int64, text string) {
	s.reply(chatID, func(ctx context.Context, c messaging.Client) error {
		return c.SendPhotoPrompt(ctx, chatID, text)
	})
}

func (s *Session) reply(chatID int64, fn func(context.Context, messaging.Client) error) {
	client := s.currentClient()
	if client == nil || s.ctx.Err() != nil {
		return
	}
	err := fn(s.ctx, client)
	switch {
	case err == nil:
		s.noteTransportOK()
	case errors.Is(err, messaging.ErrRejected):
		s.logger.Warn("reply rejected by platform", "chat_id", chatID, "error", err)
	case s.ctx.Err() != nil:
	default:
		s.logger.Warn("reply failed", "chat_id", chatID, "error", err)
		s.noteTransportFailure(err)
	}
}
