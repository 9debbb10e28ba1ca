// Package normalize converts raw issue webhooks into canonical issue events.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/okian/buma/internal/domain/model"
)

type payload struct {
	Action *string `json:"action"`
	Issue  *struct {
		ID        *int64  `json:"id"`
		Number    *int    `json:"number"`
		Title     *string `json:"title"`
		Body      *string `json:"body"`
		HTMLURL   string  `json:"html_url"`
		CreatedAt *string `json:"created_at"`
		User      *struct {
			Login *string `json:"login"`
		} `json:"user"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository *struct {
		ID       *int64  `json:"id"`
		FullName *string `json:"full_name"`
	} `json:"repository"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Normalize validates an issues webhook body and returns the canonical event.
// Events other than "issues" and actions other than "opened" yield
// model.ErrUnsupportedAction; anything absent or mistyped yields
// model.ErrMalformedEvent.
func Normalize(eventName string, raw []byte) (model.IssueEvent, error) {
	if eventName != "" && eventName != model.EventIssues {
		return model.IssueEvent{}, fmt.Errorf("%w: event %q", model.ErrUnsupportedAction, eventName)
	}

	var head struct {
		Action *string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return model.IssueEvent{}, malformed("payload", err)
	}
	if head.Action == nil || *head.Action == "" {
		return model.IssueEvent{}, malformed("action", errMissing)
	}
	if *head.Action != model.ActionOpened {
		return model.IssueEvent{}, fmt.Errorf("%w: action %q", model.ErrUnsupportedAction, *head.Action)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return model.IssueEvent{}, malformed(typeErr.Field, err)
		}
		return model.IssueEvent{}, malformed("payload", err)
	}

	return build(p)
}

// NormalizeMessage normalizes the payload of a queue envelope and checks that
// the envelope's issue id, when set, agrees with the payload.
func NormalizeMessage(msg model.Message) (model.IssueEvent, error) {
	ev, err := Normalize(msg.EventName, msg.RawPayload)
	if err != nil {
		return model.IssueEvent{}, err
	}
	if msg.IssueID != "" && msg.IssueID != ev.IssueID {
		return model.IssueEvent{}, malformed("issue.id",
			fmt.Errorf("envelope issue %s does not match payload issue %s", msg.IssueID, ev.IssueID))
	}
	ev.DeliveryID = msg.DeliveryID
	return ev, nil
}

var errMissing = errors.New("required field missing")

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrMalformedEvent, field, err)
}

func build(p payload) (model.IssueEvent, error) {
	is := p.Issue
	if is == nil {
		return model.IssueEvent{}, malformed("issue", errMissing)
	}
	if is.ID == nil {
		return model.IssueEvent{}, malformed("issue.id", errMissing)
	}
	if is.Number == nil {
		return model.IssueEvent{}, malformed("issue.number", errMissing)
	}
	if is.Title == nil || strings.TrimSpace(*is.Title) == "" {
		return model.IssueEvent{}, malformed("issue.title", errMissing)
	}
	if is.User == nil || is.User.Login == nil || *is.User.Login == "" {
		return model.IssueEvent{}, malformed("issue.user.login", errMissing)
	}
	if is.CreatedAt == nil {
		return model.IssueEvent{}, malformed("issue.created_at", errMissing)
	}
	created, err := time.Parse(time.RFC3339, *is.CreatedAt)
	if err != nil {
		return model.IssueEvent{}, malformed("issue.created_at", err)
	}
	repo := p.Repository
	if repo == nil || repo.ID == nil {
		return model.IssueEvent{}, malformed("repository.id", errMissing)
	}
	if repo.FullName == nil || *repo.FullName == "" {
		return model.IssueEvent{}, malformed("repository.full_name", errMissing)
	}

	ev := model.IssueEvent{
		IssueID:      strconv.FormatInt(*is.ID, 10),
		Number:       *is.Number,
		RepoID:       *repo.ID,
		RepoFullName: *repo.FullName,
		Title:        *is.Title,
		Author:       *is.User.Login,
		CreatedAt:    created.UTC(),
		HTMLURL:      is.HTMLURL,
		Action:       model.ActionOpened,
	}
	if is.Body != nil {
		ev.Body = *is.Body
	}
	for _, l := range is.Labels {
		if l.Name != "" {
			ev.Labels = append(ev.Labels, l.Name)
		}
	}
	if p.Installation != nil {
		ev.InstallationID = p.Installation.ID
	}
	if p.Sender != nil {
		ev.Sender = p.Sender.Login
	}
	return ev, nil
}

// Peek extracts the issue id and action from a raw payload without
// validating it. Intake uses it to fill the queue envelope; any field that
// cannot be read is left empty and the dispatcher decides later.
func Peek(raw []byte) (issueID, action string) {
	var p struct {
		Action string `json:"action"`
		Issue  struct {
			ID json.Number `json:"id"`
		} `json:"issue"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return "", ""
	}
	return p.Issue.ID.String(), p.Action
}
