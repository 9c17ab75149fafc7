package emailparse

import (
	"bytes"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// ParseRaw принимает сырое RFC822-сообщение, достаёт из него html/текст,
// отправителя и тему и делегирует в Parse.
func ParseRaw(raw []byte) (models.ParsedEmail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return models.ParsedEmail{}, errors.Wrap(err, "read mime envelope")
	}
	body := env.HTML
	if body == "" {
		body = env.Text
	}
	return Parse(body, env.GetHeader("From"), env.GetHeader("Subject")), nil
}
