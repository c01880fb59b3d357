// Package learning is the pipeline's memory: merged fixes retrievable by
// semantic similarity, and per-product style rules that feed future fix
// prompts.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

const (
	// SimilarFixesK is how many past fixes a fix prompt receives.
	SimilarFixesK = 3

	// similarFixMinScore drops matches below this cosine similarity.
	similarFixMinScore = 0.5

	// TopRulesK is how many rules a fix prompt receives.
	TopRulesK = 20

	// RuleContentMaxLen bounds rule content after trimming.
	RuleContentMaxLen = 500
)

// Embedder produces the vectors fixes are indexed under.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimensions() int
}

// Store retrieves and persists what the pipeline has learned.
type Store struct {
	store store.Store
	embed Embedder
	spec  store.IndexSpec
}

// New creates a learning store over st, embedding fix records with embed.
func New(st store.Store, embed Embedder) *Store {
	return &Store{store: st, embed: embed, spec: store.FixesIndex(embed.Dimensions())}
}

// ScoredFix pairs a past fix with its similarity to the current task.
type ScoredFix struct {
	Fix        *models.SuccessfulFix
	Similarity float64
}

// SimilarFixes returns up to k past merged fixes for the product, most
// similar first, skipping anything below the similarity floor.
func (s *Store) SimilarFixes(ctx context.Context, vec []float32, product string, k int) ([]ScoredFix, error) {
	if k <= 0 {
		k = SimilarFixesK
	}
	matches, err := s.store.Search(ctx, s.spec, vec, k, map[string]string{"product": product})
	if err != nil {
		return nil, fmt.Errorf("search fixes: %w", err)
	}

	out := make([]ScoredFix, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < similarFixMinScore {
			continue
		}
		taskID := strings.TrimPrefix(m.ID, models.FixKeyPrefix)
		fields, err := s.store.Get(ctx, models.FixKeyPrefix+taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // index entry outlived the record
			}
			return nil, err
		}
		fix, err := models.FixFromFields(taskID, fields, s.embed.Dimensions())
		if err != nil {
			log.Warn().Err(err).Str("task", taskID).Msg("Skipping undecodable fix record")
			continue
		}
		out = append(out, ScoredFix{Fix: fix, Similarity: m.Similarity})
	}
	return out, nil
}

// StoreSuccess records a merged fix and indexes it for retrieval. The record
// is immutable; redelivered merge events are no-ops.
func (s *Store) StoreSuccess(ctx context.Context, task *models.Task, prTitle string, mergedAt time.Time) error {
	key := models.FixKeyPrefix + task.ID
	if exists, err := s.store.Exists(ctx, key); err != nil {
		return err
	} else if exists {
		return nil
	}

	vec, err := s.embed.Embed(task.Title + "\n" + task.Summary)
	if err != nil {
		return fmt.Errorf("embed fix %s: %w", task.ID, err)
	}

	fix := &models.SuccessfulFix{
		TaskID:    task.ID,
		TopicID:   task.TopicID,
		Category:  task.Category,
		Title:     task.Title,
		Summary:   task.Summary,
		Product:   task.Product,
		PRURL:     task.PRURL,
		PRTitle:   prTitle,
		Branch:    task.Branch,
		MergedAt:  mergedAt,
		Embedding: vec,
	}
	if err := s.store.SetFields(ctx, fix.Key(), fix.Fields()); err != nil {
		return fmt.Errorf("store fix %s: %w", task.ID, err)
	}
	if err := s.store.IndexVector(ctx, s.spec, fix.Key(), vec, map[string]string{
		"category": string(fix.Category),
		"product":  fix.Product,
	}); err != nil {
		return fmt.Errorf("index fix %s: %w", task.ID, err)
	}

	log.Info().Str("task", task.ID).Str("product", task.Product).
		Str("pr_url", task.PRURL).Msg("Successful fix stored")
	return nil
}

// UpsertRule creates a rule, or bumps the usage of an existing rule whose
// normalized content matches. Returns the rule and whether it was created.
func (s *Store) UpsertRule(ctx context.Context, rule *models.Rule) (*models.Rule, bool, error) {
	rule.Content = strings.TrimSpace(rule.Content)
	if rule.Content == "" {
		return nil, false, fmt.Errorf("empty rule content")
	}
	if len(rule.Content) > RuleContentMaxLen {
		return nil, false, fmt.Errorf("rule content exceeds %d characters", RuleContentMaxLen)
	}
	if !rule.Category.Valid() {
		rule.Category = models.RuleConvention
	}
	if !rule.Source.Valid() {
		return nil, false, fmt.Errorf("invalid rule source %q", rule.Source)
	}

	existing, err := s.findByContent(ctx, rule.Product, rule.Content)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := s.IncrementUsage(ctx, existing.Product, existing.ID); err != nil {
			return nil, false, err
		}
		existing.TimesApplied++
		existing.LastAppliedAt = time.Now().UTC()
		return existing, false, nil
	}

	rule.ID = uuid.NewString()[:8]
	rule.CreatedAt = time.Now().UTC()
	if err := s.store.SetFields(ctx, rule.Key(), rule.Fields()); err != nil {
		return nil, false, fmt.Errorf("store rule: %w", err)
	}
	log.Info().Str("rule", rule.ID).Str("product", rule.Product).
		Str("category", string(rule.Category)).Msg("Rule created")
	return rule, true, nil
}

// GetRule loads one rule, or store.ErrNotFound.
func (s *Store) GetRule(ctx context.Context, product, id string) (*models.Rule, error) {
	fields, err := s.store.Get(ctx, models.RuleKey(product, id))
	if err != nil {
		return nil, err
	}
	return models.RuleFromFields(product, id, fields)
}

// DeleteRule removes a rule, reporting whether it existed.
func (s *Store) DeleteRule(ctx context.Context, product, id string) (bool, error) {
	return s.store.Delete(ctx, models.RuleKey(product, id))
}

// ListRules returns every rule for a product, newest first.
func (s *Store) ListRules(ctx context.Context, product string) ([]*models.Rule, error) {
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.After(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// TopRules returns the k most useful rules for a product: most applied
// first, then most recently applied, then oldest.
func (s *Store) TopRules(ctx context.Context, product string, k int) ([]*models.Rule, error) {
	if k <= 0 {
		k = TopRulesK
	}
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.TimesApplied != b.TimesApplied {
			return a.TimesApplied > b.TimesApplied
		}
		if !a.LastAppliedAt.Equal(b.LastAppliedAt) {
			return a.LastAppliedAt.After(b.LastAppliedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(rules) > k {
		rules = rules[:k]
	}
	return rules, nil
}

// IncrementUsage bumps a rule's applied counter. Called when the rule is
// included in a fix prompt or deduplicated into.
func (s *Store) IncrementUsage(ctx context.Context, product, id string) error {
	key := models.RuleKey(product, id)
	if _, err := s.store.IncrBy(ctx, key, "times_applied", 1); err != nil {
		return err
	}
	return s.store.SetFields(ctx, key, map[string]string{
		"last_applied_at": fmt.Sprintf("%d", time.Now().UTC().Unix()),
	})
}

func (s *Store) loadRules(ctx context.Context, product string) ([]*models.Rule, error) {
	keys, err := s.store.Keys(ctx, models.RuleKeyPattern(product))
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	rules := make([]*models.Rule, 0, len(keys))
	for _, key := range keys {
		id := key[strings.LastIndexByte(key, ':')+1:]
		fields, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		rule, err := models.RuleFromFields(product, id, fields)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable rule")
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *Store) findByContent(ctx context.Context, product, content string) (*models.Rule, error) {
	target := normalizeRuleContent(content)
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if normalizeRuleContent(r.Content) == target {
			return r, nil
		}
	}
	return nil, nil
}

// normalizeRuleContent is the dedup key: case, whitespace, and a trailing
// period are not meaningful differences between rules.
func normalizeRuleContent(content string) string {
	content = strings.ToLower(strings.TrimSpace(content))
	content = strings.TrimSuffix(content, ".")
	return strings.Join(strings.Fields(content), " ")
}

// FormatRulesForPrompt renders rules as a numbered list with usage
// annotations for inclusion in a fix prompt.
func FormatRulesForPrompt(rules []*models.Rule) string {
	if len(rules) == 0 {
		return "No style rules learned yet for this product."
	}
	var b strings.Builder
	for i, r := range rules {
		usage := "[new]"
		if r.TimesApplied > 0 {
			usage = fmt.Sprintf("[applied %dx]", r.TimesApplied)
		}
		fmt.Fprintf(&b, "%d. %s (%s) %s\n", i+1, r.Content, r.Category, usage)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSimilarFixes renders past fixes for inclusion in a fix prompt.
func FormatSimilarFixes(fixes []ScoredFix) string {
	if len(fixes) == 0 {
		return "No similar past fixes found yet. You're pioneering new territory!"
	}
	var b strings.Builder
	for i, f := range fixes {
		fmt.Fprintf(&b, "### Fix %d (%.0f%% similar)\n", i+1, f.Similarity*100)
		fmt.Fprintf(&b, "- **Title**: %s\n", f.Fix.Title)
		if f.Fix.Summary != "" {
			fmt.Fprintf(&b, "- **Summary**: %s\n", f.Fix.Summary)
		}
		if f.Fix.PRURL != "" {
			fmt.Fprintf(&b, "- **PR**: %s\n", f.Fix.PRURL)
		}
		if len(f.Fix.FilesChanged) > 0 {
			fmt.Fprintf(&b, "- **Files changed**: %s\n", strings.Join(f.Fix.FilesChanged, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
