package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FragmentKind tells the processor how to turn a buffered fragment into text.
type FragmentKind string

const (
	FragmentText  FragmentKind = "text"
	FragmentAudio FragmentKind = "audio"
)

// Fragment is one buffered unit of user input. Body holds the message text or,
// for audio, the attachment URL.
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	Body string       `json:"body"`
	At   int64        `json:"at"`
}

// TextFragment builds a text fragment stamped with at.
func TextFragment(text string, at time.Time) Fragment {
	return Fragment{Kind: FragmentText, Body: text, At: at.UnixMilli()}
}

// AudioFragment builds an audio fragment stamped with at.
func AudioFragment(url string, at time.Time) Fragment {
	return Fragment{Kind: FragmentAudio, Body: url, At: at.UnixMilli()}
}

// Encode serializes the fragment for storage in a string list.
func (f Fragment) Encode() (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("domain: encode fragment: %w", err)
	}
	return string(b), nil
}

// DecodeFragment parses a stored fragment.
func DecodeFragment(raw string) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Fragment{}, fmt.Errorf("domain: decode fragment: %w", err)
	}
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func (f Fragment) validate() error {
	switch f.Kind {
	case FragmentText, FragmentAudio:
	default:
		return fmt.Errorf("domain: unknown fragment kind %q", f.Kind)
	}
	if strings.TrimSpace(f.Body) == "" {
		return errors.New("domain: fragment body must not be empty")
	}
	return nil
}
