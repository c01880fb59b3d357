package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/fix"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var inputs []models.SignalInput
	if !decodeBody(w, r, &inputs) {
		return
	}
	result := s.ingest.IngestBatch(r.Context(), inputs)
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleListSignals(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	limit := queryLimit(r, defaultListMax)

	keys, err := s.store.Keys(r.Context(), models.SignalKeyPrefix+"*")
	if err != nil {
		s.storeError(w, err)
		return
	}
	signals := make([]*models.Signal, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.Get(r.Context(), key)
		if err != nil {
			continue
		}
		sig, err := models.SignalFromFields(strings.TrimPrefix(key, models.SignalKeyPrefix), fields)
		if err != nil {
			continue
		}
		if product != "" && sig.Product != product {
			continue
		}
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].LastSeen.Equal(signals[j].LastSeen) {
			return signals[i].LastSeen.After(signals[j].LastSeen)
		}
		return signals[i].Hash < signals[j].Hash
	})
	if len(signals) > limit {
		signals = signals[:limit]
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Service) handleListTopics(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.Keys(r.Context(), models.TopicKeyPrefix+"*")
	if err != nil {
		s.storeError(w, err)
		return
	}
	topics := make([]*models.Topic, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.Get(r.Context(), key)
		if err != nil {
			continue
		}
		topic, err := models.TopicFromFields(strings.TrimPrefix(key, models.TopicKeyPrefix), fields, s.cfg.EmbeddingDim)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable topic")
			continue
		}
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		if !topics[i].UpdatedAt.Equal(topics[j].UpdatedAt) {
			return topics[i].UpdatedAt.After(topics[j].UpdatedAt)
		}
		return topics[i].ID < topics[j].ID
	})
	writeJSON(w, http.StatusOK, topics)
}

func (s *Service) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fields, err := s.store.Get(r.Context(), models.TopicKeyPrefix+id)
	if err != nil {
		s.notFoundOrStoreError(w, err, "topic not found")
		return
	}
	topic, err := models.TopicFromFields(id, fields, s.cfg.EmbeddingDim)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt_record", "topic record is not decodable")
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	category := r.URL.Query().Get("category")
	limit := queryLimit(r, defaultListMax)

	keys, err := s.store.Keys(r.Context(), models.TaskKeyPrefix+"*")
	if err != nil {
		s.storeError(w, err)
		return
	}
	tasks := make([]*models.Task, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.Get(r.Context(), key)
		if err != nil {
			continue
		}
		task, err := models.TaskFromFields(strings.TrimPrefix(key, models.TaskKeyPrefix), fields)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable task")
			continue
		}
		if status != "" && string(task.Status) != status {
			continue
		}
		if category != "" && string(task.Category) != category {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	status := models.TaskStatus(body.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be open, in_progress, or done")
		return
	}
	if err := s.store.SetFields(r.Context(), task.Key(), map[string]string{
		"status": string(status),
	}); err != nil {
		s.storeError(w, err)
		return
	}
	task.Status = status
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	if s.forge == nil {
		writeError(w, http.StatusServiceUnavailable, "forge_unavailable", "no forge token configured")
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	repo, okRepo := s.cfg.RepoFor(task.Product)
	if !okRepo {
		writeError(w, http.StatusBadRequest, "no_repo", "no repository configured for product "+task.Product)
		return
	}
	if task.IssueURL != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"issue_url":    task.IssueURL,
			"issue_number": task.IssueNumber,
		})
		return
	}

	issue, err := s.forge.CreateIssue(r.Context(), repo, task.Title, issueBody(task), []string{
		strings.ToLower(string(task.Category)), "user-feedback",
	})
	if err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("Issue creation failed")
		writeError(w, http.StatusBadGateway, "forge_error", "issue creation failed")
		return
	}
	if err := s.store.SetFields(r.Context(), task.Key(), map[string]string{
		"issue_url":    issue.HTMLURL,
		"issue_number": strconv.Itoa(issue.Number),
	}); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issue_url":    issue.HTMLURL,
		"issue_number": issue.Number,
	})
}

func (s *Service) handleFix(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "agent_unavailable", "no coding agent configured")
		return
	}
	id := chi.URLParam(r, "id")

	out, err := s.runner.Start(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	case errors.Is(err, fix.ErrFixInProgress), errors.Is(err, fix.ErrFixCompleted):
		writeError(w, http.StatusConflict, "fix_conflict", err.Error())
		return
	case errors.Is(err, fix.ErrNoRepo):
		writeError(w, http.StatusBadRequest, "no_repo", err.Error())
		return
	default:
		log.Error().Err(err).Str("task", id).Msg("Fix run failed")
		writeError(w, http.StatusBadGateway, "fix_failed", "fix execution failed; see task fix_reason")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fix_status":    out.Task.FixStatus,
		"pr_url":        out.Task.PRURL,
		"branch":        out.Task.Branch,
		"files_changed": out.FilesChanged,
	})
}

func (s *Service) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.learn.ListRules(r.Context(), chi.URLParam(r, "product"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Service) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rule, created, err := s.learn.UpsertRule(r.Context(), &models.Rule{
		Product:  chi.URLParam(r, "product"),
		Content:  body.Content,
		Category: models.RuleCategory(body.Category),
		Source:   models.RuleManual,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rule)
}

func (s *Service) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.learn.DeleteRule(r.Context(), chi.URLParam(r, "product"), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.review == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks_unavailable", "webhook handling is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, requestBodyMax))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	if !forge.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get(forge.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "bad_signature", "webhook signature verification failed")
		return
	}

	ev, err := forge.ParseEvent(r.Header.Get(forge.EventHeader), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "webhook payload is not decodable")
		return
	}
	if err := s.review.Handle(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("event", string(ev.Kind)).Msg("Webhook handling failed")
		writeError(w, http.StatusInternalServerError, "webhook_failed", "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := s.store.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok":       true,
		"store_ok": storeOK,
	})
}

func (s *Service) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues := []string{
		store.QueueToEmbed, store.QueueToClassify, store.QueueTriage,
		store.QueueToEmbed + store.DeadSuffix, store.QueueToClassify + store.DeadSuffix,
	}
	lengths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := s.store.Len(r.Context(), q)
		if err != nil {
			s.storeError(w, err)
			return
		}
		lengths[q] = n
	}
	writeJSON(w, http.StatusOK, lengths)
}

func (s *Service) loadTask(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	id := chi.URLParam(r, "id")
	fields, err := s.store.Get(r.Context(), models.TaskKeyPrefix+id)
	if err != nil {
		s.notFoundOrStoreError(w, err, "task not found")
		return nil, false
	}
	task, err := models.TaskFromFields(id, fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt_record", "task record is not decodable")
		return nil, false
	}
	return task, true
}

func (s *Service) storeError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("Store operation failed")
	writeError(w, http.StatusServiceUnavailable, "store_unavailable", "storage backend unavailable")
}

func (s *Service) notFoundOrStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", msg)
		return
	}
	s.storeError(w, err)
}

func issueBody(task *models.Task) string {
	var b strings.Builder
	b.WriteString(task.Summary)
	if task.SuggestedAction != "" {
		b.WriteString("\n\n**Suggested action:** " + task.SuggestedAction)
	}
	b.WriteString("\n\n---\nFiled automatically from clustered user feedback")
	b.WriteString(" (topic " + task.TopicID + ").")
	return b.String()
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
