// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package callrecord

import "encoding/json"

// Transcripts and turns are stored as JSON text columns rather than a
// normalized child table — call records are write-once-then-read-whole,
// so there's no query pattern that benefits from relational storage.

func marshalTranscripts(entries []TranscriptEntry) (string, error) {
	if entries == nil {
		entries = []TranscriptEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalTurns(entries []TurnEntry) (string, error) {
	if entries == nil {
		entries = []TurnEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTranscripts(raw string, out *[]TranscriptEntry) error {
	if raw == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func unmarshalTurns(raw string, out *[]TurnEntry) error {
	if raw == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
