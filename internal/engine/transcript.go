package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aelling/parley/internal/wire"
)

// noResponsePlaceholder is shown when a completed turn carried no result.
const noResponsePlaceholder = "No response received."

// Derive computes the ordered display transcript from the session projection,
// the ledger's event sequence, and the optimistic buffer contents.
//
// It is pure: identical inputs yield identical output and no input is
// mutated. events must already be in ledger order (sorted by timestamp).
//
// User messages partition the event sequence into turns. Each turn's window
// runs from its user event (exclusive) to the next user event (exclusive),
// or to now for the final, possibly in-progress turn. Steps and the turn's
// completion are attributed strictly within that window, so a step belongs
// to exactly one turn.
func Derive(session wire.Session, events []wire.SessionEvent, optimistic []DisplayMessage, now time.Time) []DisplayMessage {
	var userEvents []wire.SessionEvent
	for _, event := range events {
		if event.EventType == wire.EventUserMessage {
			userEvents = append(userEvents, event)
		}
	}

	var messages []DisplayMessage
	if len(userEvents) == 0 {
		messages = deriveFromSession(session, events, optimistic)
	} else {
		messages = deriveTurns(session, events, userEvents, now)
	}

	messages = append(messages, optimistic...)

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages
}

func deriveTurns(session wire.Session, events, userEvents []wire.SessionEvent, now time.Time) []DisplayMessage {
	messages := make([]DisplayMessage, 0, len(userEvents)*2)

	for i, userEvent := range userEvents {
		lower := userEvent.Timestamp
		upper := now
		lastTurn := i == len(userEvents)-1
		if !lastTurn {
			upper = userEvents[i+1].Timestamp
		}

		messages = append(messages, DisplayMessage{
			ID:        fmt.Sprintf("user-%d", lower.UnixNano()),
			Role:      RoleUser,
			Content:   userEvent.OutputString(),
			Timestamp: lower,
		})

		steps := collectSteps(events, lower, upper)

		completion, failure := turnOutcome(events, lower, upper)
		switch {
		case completion != nil:
			message := DisplayMessage{
				ID:        fmt.Sprintf("assistant-%d", completion.Timestamp.UnixNano()),
				Role:      RoleAssistant,
				Content:   ExtractResultText(completion.Output, true),
				Timestamp: completion.Timestamp,
				Markdown:  true,
				Steps:     steps,
			}
			if lastTurn && session.Terminal() {
				message.ExecutionTime = session.ExecutionTime
			}
			messages = append(messages, message)
		case failure != nil:
			content := failure.Error
			if content == "" {
				content = failure.OutputString()
			}
			messages = append(messages, DisplayMessage{
				ID:        fmt.Sprintf("error-%d", failure.Timestamp.UnixNano()),
				Role:      RoleError,
				Content:   content,
				Timestamp: failure.Timestamp,
				Steps:     steps,
			})
		}
	}
	return messages
}

// deriveFromSession synthesizes a transcript for sessions whose initiating
// query was supplied at creation time, before any user_message event exists
// in the backlog.
//
// While an optimistic entry with the same content is still buffered (a
// create request in flight), the synthesized user message is suppressed so
// the query never shows twice; it takes over once the entry is reconciled
// or expires.
func deriveFromSession(session wire.Session, events []wire.SessionEvent, optimistic []DisplayMessage) []DisplayMessage {
	if session.Query == "" {
		return nil
	}
	createdAt := parseTimestamp(session.CreatedAt)
	var messages []DisplayMessage
	if !hasMatchingContent(optimistic, session.Query) {
		messages = append(messages, DisplayMessage{
			ID:        "session-query",
			Role:      RoleUser,
			Content:   session.Query,
			Timestamp: createdAt,
		})
	}

	if session.Status != wire.StatusCompleted {
		return messages
	}

	// No turn boundary exists, so every step in the ledger belongs to the
	// synthesized turn.
	var steps []StepSummary
	number := 0
	for _, event := range events {
		if event.EventType != wire.EventStepUpdate {
			continue
		}
		number++
		steps = append(steps, stepFromEvent(event, number))
	}
	fillStepOutputs(steps, events, time.Time{}, time.Time{})

	completedAt := parseTimestamp(session.CompletedAt)
	if completedAt.IsZero() {
		completedAt = createdAt.Add(time.Millisecond)
	}
	messages = append(messages, DisplayMessage{
		ID:            "session-result",
		Role:          RoleAssistant,
		Content:       ExtractResultText(session.Result, true),
		Timestamp:     completedAt,
		ExecutionTime: session.ExecutionTime,
		Markdown:      true,
		Steps:         steps,
	})
	return messages
}

// hasMatchingContent reports whether any buffered message carries content,
// under the buffer's normalization rule.
func hasMatchingContent(optimistic []DisplayMessage, content string) bool {
	want := normalizeContent(content)
	if want == "" {
		return false
	}
	for _, message := range optimistic {
		if normalizeContent(message.Content) == want {
			return true
		}
	}
	return false
}

// collectSteps gathers the step_update events inside (lower, upper) as
// turn-scoped summaries, numbered from 1, with outputs filled from matching
// step_completed events in the same window.
func collectSteps(events []wire.SessionEvent, lower, upper time.Time) []StepSummary {
	var steps []StepSummary
	number := 0
	for _, event := range events {
		if event.EventType != wire.EventStepUpdate {
			continue
		}
		if !inWindow(event.Timestamp, lower, upper) {
			continue
		}
		number++
		steps = append(steps, stepFromEvent(event, number))
	}
	fillStepOutputs(steps, events, lower, upper)
	return steps
}

func stepFromEvent(event wire.SessionEvent, number int) StepSummary {
	id := event.StepID
	if id == "" {
		id = fmt.Sprintf("step-%d-%d", event.Timestamp.UnixNano(), number)
	}
	description := event.StepName
	if description == "" {
		description = event.ToolID
	}
	return StepSummary{ID: id, Number: number, Description: description}
}

// fillStepOutputs attaches outputs from step_completed events to the steps
// they complete, matched by step id (or name when the id is absent). A zero
// window means "anywhere in the ledger".
func fillStepOutputs(steps []StepSummary, events []wire.SessionEvent, lower, upper time.Time) {
	for _, event := range events {
		if event.EventType != wire.EventStepCompleted || event.Output == nil {
			continue
		}
		if !lower.IsZero() && !inWindow(event.Timestamp, lower, upper) {
			continue
		}
		for i := range steps {
			if steps[i].Output != nil {
				continue
			}
			if matchesStep(steps[i], event) {
				steps[i].Output = event.Output
				break
			}
		}
	}
}

func matchesStep(step StepSummary, event wire.SessionEvent) bool {
	if event.StepID != "" {
		return step.ID == event.StepID
	}
	return event.StepName != "" && step.Description == event.StepName
}

// turnOutcome returns the turn's first completion event and, failing that,
// its first failure event, within (lower, upper).
func turnOutcome(events []wire.SessionEvent, lower, upper time.Time) (completion, failure *wire.SessionEvent) {
	for i := range events {
		event := events[i]
		if !inWindow(event.Timestamp, lower, upper) {
			continue
		}
		switch event.EventType {
		case wire.EventSessionCompleted:
			if completion == nil {
				completion = &events[i]
			}
		case wire.EventSessionFailed:
			if failure == nil {
				failure = &events[i]
			}
		}
	}
	return completion, failure
}

// inWindow reports whether t lies strictly inside (lower, upper).
func inWindow(t, lower, upper time.Time) bool {
	return t.After(lower) && t.Before(upper)
}

// RunningSteps selects the steps of the in-progress turn: every step_update
// after the latest user_message. It drives the live progress view without
// re-deriving the whole transcript.
func RunningSteps(events []wire.SessionEvent) []StepSummary {
	var latestUser time.Time
	for _, event := range events {
		if event.EventType == wire.EventUserMessage && event.Timestamp.After(latestUser) {
			latestUser = event.Timestamp
		}
	}

	var steps []StepSummary
	number := 0
	for _, event := range events {
		if event.EventType != wire.EventStepUpdate || !event.Timestamp.After(latestUser) {
			continue
		}
		number++
		steps = append(steps, stepFromEvent(event, number))
	}
	return steps
}

// ExtractResultText renders an arbitrary completion payload as display text.
//
// Plain text is used verbatim. Structured results prefer a "summary" field
// (with the "value" appended under a label when includeSummary is set), then
// a bare "value", then a pretty-printed dump wrapped as a code block. A nil
// result yields a fixed placeholder.
func ExtractResultText(output any, includeSummary bool) string {
	switch v := output.(type) {
	case nil:
		return noResponsePlaceholder
	case string:
		return v
	case map[string]any:
		summary, _ := v["summary"].(string)
		value, hasValue := v["value"]
		if includeSummary && summary != "" {
			if hasValue && value != nil {
				return summary + "\n\nValue: " + flattenValue(value)
			}
			return summary
		}
		if hasValue && value != nil {
			return flattenValue(value)
		}
		return codeBlock(v)
	default:
		return codeBlock(v)
	}
}

func flattenValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return codeBlock(value)
}

func codeBlock(value any) string {
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return "```json\n" + string(pretty) + "\n```"
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
