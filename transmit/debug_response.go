package transmit

import (
	"errors"

	"github.com/tidwall/gjson"
)

// DebugResponse is the validation report returned by the debug endpoint.
type DebugResponse struct {
	HitParsingResults []HitParsingResult
	ParserMessages    []ParserMessage
}

type HitParsingResult struct {
	Valid          bool
	Hit            string
	ParserMessages []ParserMessage
}

type ParserMessage struct {
	MessageType string
	Description string
	MessageCode string
	Parameter   string
}

var ErrInvalidDebugResponse = errors.New("debug response is not valid JSON")

// Valid reports whether every hit in the response passed validation.
func (d *DebugResponse) Valid() bool {
	for _, r := range d.HitParsingResults {
		if !r.Valid {
			return false
		}
	}
	return true
}

// ParseDebugResponse reads the body of a sent hit that went to the debug
// endpoint.
func ParseDebugResponse(body string) (*DebugResponse, error) {
	if !gjson.Valid(body) {
		return nil, ErrInvalidDebugResponse
	}
	doc := gjson.Parse(body)

	resp := &DebugResponse{
		ParserMessages: parseMessages(doc.Get("parserMessage")),
	}
	doc.Get("hitParsingResult").ForEach(func(_, r gjson.Result) bool {
		resp.HitParsingResults = append(resp.HitParsingResults, HitParsingResult{
			Valid:          r.Get("valid").Bool(),
			Hit:            r.Get("hit").String(),
			ParserMessages: parseMessages(r.Get("parserMessage")),
		})
		return true
	})
	return resp, nil
}

func parseMessages(list gjson.Result) []ParserMessage {
	var msgs []ParserMessage
	list.ForEach(func(_, m gjson.Result) bool {
		msgs = append(msgs, ParserMessage{
			MessageType: m.Get("messageType").String(),
			Description: m.Get("description").String(),
			MessageCode: m.Get("messageCode").String(),
			Parameter:   m.Get("parameter").String(),
		})
		return true
	})
	return msgs
}
