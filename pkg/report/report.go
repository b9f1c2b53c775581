// Package report generates and caches community reports.
package report

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Namespace is the KV namespace holding reports.
const Namespace = "community_reports"

// Options tune report generation.
type Options struct {
	// Concurrency bounds parallel completions. Zero means 4.
	Concurrency int
	// RatePerSecond limits completion requests. Zero disables the limit.
	RatePerSecond float64
	// Tokenizer and MaxContextTokens bound the prompt data. A nil Tokenizer
	// disables truncation.
	Tokenizer        ai.Tokenizer
	MaxContextTokens int
	// MaxExcerpts caps the source chunks quoted per community.
	MaxExcerpts int
}

// Report is a stored community report.
type Report struct {
	Title      string                 `json:"title"`
	Level      int                    `json:"level"`
	Hash       string                 `json:"hash"`
	Content    string                 `json:"report_string"`
	Data       common.CommunityReport `json:"report_json"`
	Degraded   bool                   `json:"degraded"`
	Occurrence float64                `json:"occurrence"`
}

// Cache keeps one report per community. A report is regenerated when the
// membership hash of its community changes and is never served for a
// community it no longer describes.
type Cache struct {
	graph   store.GraphStore
	chunks  store.KVStore
	reports store.KVStore
	llm     ai.CompletionClient
	limiter *rate.Limiter
	opts    Options
}

func New(graph store.GraphStore, chunks, reports store.KVStore, llm ai.CompletionClient, opts Options) *Cache {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 12000
	}
	if opts.MaxExcerpts <= 0 {
		opts.MaxExcerpts = 5
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Cache{
		graph:   graph,
		chunks:  chunks,
		reports: reports,
		llm:     llm,
		limiter: rate.NewLimiter(limit, opts.Concurrency),
		opts:    opts,
	}
}

// MembershipHash identifies the node and edge set of a community.
func MembershipHash(c common.Community) string {
	parts := make([]string, 0, len(c.Nodes)+len(c.Edges)+1)
	parts = append(parts, c.Title)
	parts = append(parts, c.Nodes...)
	for _, e := range c.Edges {
		parts = append(parts, e[0]+"->"+e[1])
	}
	return util.HashID("", parts...)
}

// Refresh evicts stale reports and generates the missing ones. It returns
// the number of generated reports. An upstream failure aborts the run after
// the reports finished so far were stored.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	schema, err := c.graph.CommunitySchema(ctx)
	if err != nil {
		return 0, err
	}

	pending, err := c.evictStale(ctx, schema)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	logger.Info("[Report] Generating community reports", "count", len(pending))

	results := make([]*Report, len(pending))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.opts.Concurrency)
	for i, title := range pending {
		eg.Go(func() error {
			r, err := c.generate(ectx, schema[title])
			if err != nil {
				return fmt.Errorf("community %s: %w", title, err)
			}
			results[i] = r
			return nil
		})
	}
	genErr := eg.Wait()

	records := map[string]store.Record{}
	for _, r := range results {
		if r == nil {
			continue
		}
		rec, err := store.EncodeRecord(r)
		if err != nil {
			return 0, err
		}
		records[r.Title] = rec
	}
	if len(records) > 0 {
		if err := c.reports.Upsert(ctx, records); err != nil {
			return 0, err
		}
		if err := c.reports.IndexDone(ctx); err != nil {
			return 0, err
		}
	}
	return len(records), genErr
}

// evictStale deletes reports whose community vanished or changed and returns
// the titles that need a report, ordered by level and title.
func (c *Cache) evictStale(ctx context.Context, schema map[string]common.Community) ([]string, error) {
	keys, err := c.reports.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := c.reports.GetMany(ctx, keys, "hash")
	if err != nil {
		return nil, err
	}
	current := map[string]bool{}
	var stale []string
	for i, key := range keys {
		comm, ok := schema[key]
		if ok && existing[i] != nil && store.RecordString(existing[i], "hash") == MembershipHash(comm) {
			current[key] = true
			continue
		}
		stale = append(stale, key)
	}
	if len(stale) > 0 {
		logger.Debug("[Report] Evicting stale reports", "count", len(stale))
		if err := c.reports.Delete(ctx, stale); err != nil {
			return nil, err
		}
	}

	var pending []string
	for title := range schema {
		if !current[title] {
			pending = append(pending, title)
		}
	}
	slices.SortFunc(pending, func(a, b string) int {
		if la, lb := schema[a].Level, schema[b].Level; la != lb {
			return la - lb
		}
		return strings.Compare(a, b)
	})
	return pending, nil
}

// Lookup returns the reports of comms, aligned by index. Missing and stale
// reports are nil.
func (c *Cache) Lookup(ctx context.Context, comms []common.Community) ([]*Report, error) {
	titles := make([]string, len(comms))
	for i, comm := range comms {
		titles[i] = comm.Title
	}
	recs, err := c.reports.GetMany(ctx, titles)
	if err != nil {
		return nil, err
	}
	out := make([]*Report, len(comms))
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		var r Report
		if err := store.DecodeRecord(rec, &r); err != nil {
			return nil, err
		}
		if r.Hash != MembershipHash(comms[i]) {
			continue
		}
		out[i] = &r
	}
	return out, nil
}

// All returns every current report ordered by level and title.
func (c *Cache) All(ctx context.Context) ([]Report, error) {
	schema, err := c.graph.CommunitySchema(ctx)
	if err != nil {
		return nil, err
	}
	comms := make([]common.Community, 0, len(schema))
	for _, comm := range schema {
		comms = append(comms, comm)
	}
	slices.SortFunc(comms, func(a, b common.Community) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		return strings.Compare(a.Title, b.Title)
	})
	found, err := c.Lookup(ctx, comms)
	if err != nil {
		return nil, err
	}
	var out []Report
	for _, r := range found {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (c *Cache) generate(ctx context.Context, comm common.Community) (*Report, error) {
	prompt, err := c.buildPrompt(ctx, comm)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Title:      comm.Title,
		Level:      comm.Level,
		Hash:       MembershipHash(comm),
		Occurrence: comm.Occurrence,
	}

	messages := []ai.ChatMessage{{Role: ai.RoleUser, Message: prompt}}
	for attempt := range 2 {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		answer, err := c.llm.GenerateChat(ctx, messages,
			ai.WithJSONSchema("community_report", "A report describing one community of a knowledge graph", &common.CommunityReport{}),
		)
		if err != nil {
			if errors.Is(err, ai.ErrMalformedResponse) && attempt == 0 {
				messages = correction(messages, "", err)
				continue
			}
			if errors.Is(err, ai.ErrMalformedResponse) {
				break
			}
			return nil, err
		}

		data, perr := parseReport(answer)
		if perr == nil {
			r.Data = data
			r.Content = Render(data)
			return r, nil
		}
		logger.Warn("[Report] Malformed report", "community", comm.Title, "attempt", attempt+1, "err", perr)
		messages = correction(messages, answer, perr)
	}

	logger.Warn("[Report] Falling back to minimal report", "community", comm.Title)
	r.Data = minimal(comm)
	r.Content = Render(r.Data) + renderMembers(comm)
	r.Degraded = true
	return r, nil
}

func correction(messages []ai.ChatMessage, answer string, err error) []ai.ChatMessage {
	out := slices.Clone(messages)
	if answer != "" {
		out = append(out, ai.ChatMessage{Role: ai.RoleAssistant, Message: answer})
	}
	return append(out, ai.ChatMessage{Role: ai.RoleUser, Message: fmt.Sprintf(ai.CorrectionPrompt, err)})
}

func parseReport(answer string) (common.CommunityReport, error) {
	var data common.CommunityReport
	if err := ai.DecodeAnswer(answer, &data); err != nil {
		return data, ai.Malformed(err)
	}
	if strings.TrimSpace(data.Title) == "" && strings.TrimSpace(data.Summary) == "" {
		return data, ai.Malformed(errors.New("report has neither title nor summary"))
	}
	return data, nil
}

func minimal(comm common.Community) common.CommunityReport {
	return common.CommunityReport{
		Title:    comm.Title,
		Findings: []common.Finding{},
	}
}

// Render formats a report as Markdown.
func Render(data common.CommunityReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", data.Title, data.Summary)
	for _, f := range data.Findings {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", f.Summary, f.Explanation)
	}
	return b.String()
}

func renderMembers(comm common.Community) string {
	var b strings.Builder
	b.WriteString("\n## Entities\n\n")
	for _, n := range comm.Nodes {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	if len(comm.Edges) > 0 {
		b.WriteString("\n## Relationships\n\n")
		for _, e := range comm.Edges {
			fmt.Fprintf(&b, "- %s -> %s\n", e[0], e[1])
		}
	}
	return b.String()
}
