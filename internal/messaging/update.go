// ABOUTME: Converts Telegram updates into InboundEvents
// ABOUTME: Shared by the long-poll loop and webhook payload parsing

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/tally-gateway/internal/tenant"
)

// ErrInvalidPayload is returned by ParseUpdate for bodies that are not a Telegram update.
var ErrInvalidPayload = errors.New("invalid update payload")

// ParseUpdate decodes a webhook body for tenant t.
// ok is false for well-formed updates that carry nothing a session handles
// (edits, channel posts, stickers); those should be acknowledged and dropped.
func ParseUpdate(t tenant.ID, body []byte) (ev InboundEvent, ok bool, err error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return InboundEvent{}, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if u.UpdateID <= 0 {
		return InboundEvent{}, false, fmt.Errorf("%w: missing update_id", ErrInvalidPayload)
	}
	ev, ok = eventFromUpdate(u)
	ev.TenantID = t
	return ev, ok, nil
}

// UpdateID extracts only the update id, for de-duplication before full parsing.
func UpdateID(body []byte) (int, error) {
	var probe struct {
		UpdateID int `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return probe.UpdateID, nil
}

func eventFromUpdate(u tgbotapi.Update) (InboundEvent, bool) {
	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return InboundEvent{UpdateID: u.UpdateID}, false
	}

	ev := InboundEvent{
		UserID:   tenant.UserID(strconv.FormatInt(m.From.ID, 10)),
		ChatID:   m.Chat.ID,
		UpdateID: u.UpdateID,
	}
	switch {
	case len(m.Photo) > 0:
		ev.Kind = KindPhoto
		ev.FileRef = m.Photo[len(m.Photo)-1].FileID
		ev.Text = m.Caption
	case m.Text != "":
		ev.Kind = KindText
		ev.Text = m.Text
	default:
		return ev, false
	}
	return ev, true
}
