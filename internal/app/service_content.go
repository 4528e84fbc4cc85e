package app

import (
	"context"
	"fmt"
	"html"
	"strings"

	"prospect/api/internal/genai"
	"prospect/api/internal/store"
)

// GenerateContent regenerates the proposal body from its stored context and
// records the result as a new version.
func (s *Service) GenerateContent(ctx context.Context, sess Session, proposalID string) (map[string]any, error) {
	if s.gen == nil {
		return nil, conflict("content generation is not configured")
	}

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	content, err := s.gen.Generate(ctx, genai.Request{
		ClientName:   proposal.ClientName,
		ProjectName:  proposal.ProjectName,
		Phase:        string(proposal.CurrentPhase),
		Summary:      proposal.Summary,
		Requirements: proposal.Requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	version, err := s.store.CreateVersion(ctx, proposalID, content, "Generated proposal content", s.actor(sess))
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

// ContextUpdate refreshes the proposal body for a new phase context. The
// target phase steers the generated narrative without touching the tracker.
func (s *Service) ContextUpdate(ctx context.Context, sess Session, proposalID string, input ContextUpdateInput) (map[string]any, error) {
	if s.gen == nil {
		return nil, conflict("content generation is not configured")
	}

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	phase := proposal.CurrentPhase
	if input.TargetPhase != "" {
		phase = store.Phase(input.TargetPhase)
		if !phase.Valid() {
			return nil, validationError("unknown phase", map[string]any{"targetPhase": input.TargetPhase})
		}
	}
	summary := proposal.Summary
	if input.Summary != nil {
		summary = *input.Summary
	}
	requirements := proposal.Requirements
	if len(input.Requirements) > 0 {
		requirements = input.Requirements
	}

	content, err := s.gen.Generate(ctx, genai.Request{
		ClientName:   proposal.ClientName,
		ProjectName:  proposal.ProjectName,
		Phase:        string(phase),
		Summary:      summary,
		Requirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	version, err := s.store.CreateVersion(ctx, proposalID, content,
		fmt.Sprintf("Updated content for %s phase context", phase), s.actor(sess))
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

func (s *Service) CreateVersion(ctx context.Context, sess Session, proposalID string, input CreateVersionInput) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content is required", nil)
	}
	summary := input.ChangeSummary
	if summary == "" {
		summary = "Manual edit"
	}

	version, err := s.store.CreateVersion(ctx, proposalID, input.Content, summary, s.actor(sess))
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

func (s *Service) ListVersions(ctx context.Context, proposalID string) (map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}

	versions, err := s.store.ListVersions(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return map[string]any{"proposalId": proposalID, "versions": items, "count": len(items)}, nil
}

// AddBlock appends or inserts a content block into the current version and
// records the result as a new version.
func (s *Service) AddBlock(ctx context.Context, sess Session, proposalID string, input AddBlockInput) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, validationError("title is required", nil)
	}

	current, err := s.store.CurrentVersion(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	blockID := input.BlockID
	if blockID == "" {
		blockID = "block-" + slugify(input.Title)
	}
	blocks := splitBlocks(current.Content)
	for _, b := range blocks {
		if blockIDOf(b) == blockID {
			return nil, conflict(fmt.Sprintf("block %s already exists", blockID))
		}
	}

	block := renderBlock(blockID, input.Title, input.BodyHTML)
	if input.Position != nil && *input.Position >= 0 && *input.Position < len(blocks) {
		pos := *input.Position
		blocks = append(blocks[:pos], append([]string{block}, blocks[pos:]...)...)
	} else {
		blocks = append(blocks, block)
	}

	version, err := s.store.CreateVersion(ctx, proposalID, strings.Join(blocks, ""),
		fmt.Sprintf("Added %s block", input.Title), s.actor(sess))
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

// RemoveBlock drops a content block by ID and records a new version.
func (s *Service) RemoveBlock(ctx context.Context, sess Session, proposalID, blockID string) (map[string]any, error) {
	current, err := s.store.CurrentVersion(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	blocks := splitBlocks(current.Content)
	kept := make([]string, 0, len(blocks))
	found := false
	for _, b := range blocks {
		if blockIDOf(b) == blockID {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return nil, notFound(fmt.Sprintf("block %s not found", blockID))
	}

	version, err := s.store.CreateVersion(ctx, proposalID, strings.Join(kept, ""),
		fmt.Sprintf("Removed block %s", blockID), s.actor(sess))
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

const blockMarker = `<section class="proposal-block"`

// splitBlocks cuts proposal HTML into its top-level blocks. Content that does
// not use block wrappers comes back as a single chunk.
func splitBlocks(content string) []string {
	first := strings.Index(content, blockMarker)
	if first < 0 {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []string{content}
	}

	var blocks []string
	if head := content[:first]; strings.TrimSpace(head) != "" {
		blocks = append(blocks, head)
	}
	rest := content[first:]
	for len(rest) > 0 {
		next := strings.Index(rest[len(blockMarker):], blockMarker)
		if next < 0 {
			blocks = append(blocks, rest)
			break
		}
		cut := next + len(blockMarker)
		blocks = append(blocks, rest[:cut])
		rest = rest[cut:]
	}
	return blocks
}

// blockIDOf pulls the id attribute out of a block's opening tag.
func blockIDOf(block string) string {
	end := strings.Index(block, ">")
	if end < 0 {
		return ""
	}
	openTag := block[:end]
	idx := strings.Index(openTag, `id="`)
	if idx < 0 {
		return ""
	}
	rest := openTag[idx+len(`id="`):]
	quote := strings.Index(rest, `"`)
	if quote < 0 {
		return ""
	}
	return rest[:quote]
}

func renderBlock(blockID, title, bodyHTML string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<section class="proposal-block" id="%s">`, html.EscapeString(blockID))
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(title))
	b.WriteString(bodyHTML)
	b.WriteString("</section>")
	return b.String()
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
