package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"leadline/internal/llm"
	"leadline/internal/media"
)

const analystSystem = `You are a senior agency strategist producing deliverables for a web agency's sales pipeline. Always answer with a single JSON object and nothing else.`

// RegisterDefaults wires the production adapters for every step in the
// plan: text steps go through the chat client, visual steps through the
// media renderer.
func RegisterDefaults(r *Registry, chat llm.ChatClient, render media.Client) {
	r.Register("market.gap_analysis", chatAdapter(chat, gapAnalysisPrompt))
	r.Register("strategy.campaign", chatAdapter(chat, campaignPrompt))
	r.Register("funnel.map", chatAdapter(chat, funnelPrompt))
	r.Register("roadmap.implementation", chatAdapter(chat, roadmapPrompt))
	r.Register("sparks.content", chatAdapter(chat, sparksPrompt))
	r.Register("visual.brand", mediaAdapter(render, "image", brandPrompt))
	r.Register("visual.mockup", mediaAdapter(render, "image", mockupPrompt))
	r.Register("outreach.sequence", chatAdapter(chat, sequencePrompt))
	r.Register("outreach.pitch_script", chatAdapter(chat, pitchPrompt))
	r.Register("concierge.simulation", chatAdapter(chat, conciergePrompt))
	r.Register("finance.roi_projection", chatAdapter(chat, roiPrompt))
	r.Register("deck.structure", chatAdapter(chat, deckPrompt))
	r.Register("package.compile", chatAdapter(chat, packagePrompt))
}

// chatAdapter generates a completion and rejects anything that is not a
// single JSON document, so a malformed completion is retried instead of
// being stored. Chat errors the client did not mark transient fail the
// step outright.
func chatAdapter(chat llm.ChatClient, prompt func(StepPayload) string) Adapter {
	return AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
		out, err := chat.Generate(ctx, analystSystem, prompt(p))
		if err != nil {
			if !llm.IsTransient(err) {
				return "", fmt.Errorf("%w: %w", ErrPermanent, err)
			}
			return "", err
		}
		if err := llm.ValidateJSON(out); err != nil {
			return "", fmt.Errorf("completion rejected: %w", err)
		}
		return out, nil
	})
}

// mediaAdapter renders a visual artifact. A disabled media backend
// skips the step rather than failing it.
func mediaAdapter(render media.Client, kind string, prompt func(StepPayload) string) Adapter {
	return AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
		uri, err := render.Generate(ctx, kind, prompt(p))
		if errors.Is(err, media.ErrDisabled) {
			return "", fmt.Errorf("%w: media backend disabled", ErrSkip)
		}
		if err != nil {
			return "", err
		}
		return uri, nil
	})
}

func leadContext(p StepPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", p.Lead.BusinessName)
	if p.Lead.Niche != "" {
		fmt.Fprintf(&b, "Niche: %s\n", p.Lead.Niche)
	}
	if p.Lead.City != "" {
		fmt.Fprintf(&b, "City: %s\n", p.Lead.City)
	}
	if p.Lead.WebsiteURL != "" {
		fmt.Fprintf(&b, "Website: %s\n", p.Lead.WebsiteURL)
	}
	if p.Lead.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", p.Lead.Notes)
	}
	return b.String()
}

func withInputs(p StepPayload, b *strings.Builder) {
	names := make([]string, 0, len(p.Inputs))
	for name := range p.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "\nUpstream %s output:\n%s\n", name, p.Inputs[name])
	}
}

func gapAnalysisPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Analyse this business's current web presence and name the gaps a web agency could close.\n")
	b.WriteString(leadContext(p))
	b.WriteString(`Return JSON with keys: summary (string), gaps (array of {area, severity, detail}), quick_wins (array of strings).`)
	return b.String()
}

func campaignPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Design a marketing campaign strategy for this business.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: positioning (string), channels (array of {channel, rationale}), budget_split (object), timeline_weeks (number).`)
	return b.String()
}

func funnelPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Map the customer funnel this business should run, stage by stage.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: stages (array of {name, goal, content, metric}), leak_risks (array of strings).`)
	return b.String()
}

func roadmapPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Write an implementation roadmap for the campaign and funnel.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: phases (array of {name, weeks, deliverables}), dependencies (array of strings).`)
	return b.String()
}

func sparksPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Propose ten concrete content ideas supporting this strategy.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: ideas (array of {title, format, hook}).`)
	return b.String()
}

func brandPrompt(p StepPayload) string {
	return fmt.Sprintf("Brand mood board for %s, a %s business in %s. Clean, modern, professional palette.",
		p.Lead.BusinessName, p.Lead.Niche, p.Lead.City)
}

func mockupPrompt(p StepPayload) string {
	return fmt.Sprintf("Homepage mockup for %s (%s). Hero section, service highlights, strong call to action.",
		p.Lead.BusinessName, p.Lead.Niche)
}

func sequencePrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Write a cold outreach email sequence (3 touches) for this business.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: emails (array of {subject, body, send_day}).`)
	return b.String()
}

func pitchPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Write a two minute phone pitch script following up on the email sequence.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: opener (string), talking_points (array of strings), objections (array of {objection, response}), close (string).`)
	return b.String()
}

func conciergePrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Simulate a website concierge chat for this business: five visitor questions with ideal answers.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: exchanges (array of {visitor, concierge}).`)
	return b.String()
}

func roiPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Project the return on investment of the proposed campaign over twelve months.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: assumptions (array of strings), monthly (array of {month, spend, expected_revenue}), break_even_month (number).`)
	return b.String()
}

func deckPrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Outline a sales deck presenting all of the above to the business owner.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: slides (array of {title, bullets}).`)
	return b.String()
}

func packagePrompt(p StepPayload) string {
	var b strings.Builder
	b.WriteString("Compile every deliverable below into one client-ready package document.\n")
	b.WriteString(leadContext(p))
	withInputs(p, &b)
	b.WriteString(`Return JSON with keys: title (string), sections (array of {name, content}), next_steps (array of strings).`)
	return b.String()
}
