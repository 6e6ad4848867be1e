package stratum

import (
	"regexp"
	"strconv"
)

// MaxExtraNonce2Size is the largest extranonce2 size the client applies.
// Decoding accepts any size; larger ones are refused by the session.
const MaxExtraNonce2Size = 256

// Patterns for the known server line shapes. Decoding deliberately stays
// at this level: unknown fields are tolerated and nothing else is parsed.
var (
	resultArrayStart    = regexp.MustCompile(`"result"\s*:\s*\[`)
	subscribeTail       = regexp.MustCompile(`^\s*,\s*"([^"]+)"(?:\s*,\s*([0-9]+))?`)
	notifyMethod        = regexp.MustCompile(`"method"\s*:\s*"mining\.notify"`)
	setExtranonceMethod = regexp.MustCompile(`"method"\s*:\s*"mining\.set_extranonce"`)
	setDifficultyMethod = regexp.MustCompile(`"method"\s*:\s*"mining\.set_difficulty"`)
	anyMethod           = regexp.MustCompile(`"method"\s*:`)
	paramsStart         = regexp.MustCompile(`"params"\s*:\s*\[`)
	firstParamString    = regexp.MustCompile(`^\s*"([^"]+)"\s*,`)
	hexToken8           = regexp.MustCompile(`"([0-9a-fA-F]{8})"`)
	setExtranonceParams = regexp.MustCompile(`^\s*"([^"]+)"\s*,\s*([0-9]+)\s*$`)
	setDifficultyParams = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)\s*$`)
	responseID          = regexp.MustCompile(`"id"\s*:\s*([0-9]+)`)
	resultScalar        = regexp.MustCompile(`"result"\s*:\s*(true|false|null)`)
	errorArray          = regexp.MustCompile(`"error"\s*:\s*\[\s*(-?[0-9]+)\s*,\s*"([^"]*)"`)
	errorObject         = regexp.MustCompile(`"error"\s*:\s*\{[^}]*?"code"\s*:\s*(-?[0-9]+)`)
	errorObjectMessage  = regexp.MustCompile(`"error"\s*:\s*\{[^}]*?"message"\s*:\s*"([^"]*)"`)
)

// SubscribeResult is the extranonce assignment carried by a subscribe reply
type SubscribeResult struct {
	ExtraNonce1     string
	ExtraNonce2Size int
	HasSize         bool
}

// Notify is the part of a mining.notify the client keeps
type Notify struct {
	JobID string
	NTime string
}

// SetExtranonce is a mining.set_extranonce renegotiation
type SetExtranonce struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// Response is a reply to one of the client's requests
type Response struct {
	ID           uint64
	Result       bool
	HasError     bool
	ErrorCode    int
	ErrorMessage string
}

// Accepted reports whether the server answered true without an error
func (r Response) Accepted() bool {
	return r.Result && !r.HasError
}

// Reason describes a negative response
func (r Response) Reason() string {
	switch {
	case r.ErrorMessage != "":
		return r.ErrorMessage
	case r.HasError:
		return ErrorCodeText(r.ErrorCode)
	case !r.Result:
		return "rejected"
	default:
		return ""
	}
}

// Decoded collects every pattern a line matched. The rules are
// independent, so more than one field may be set.
type Decoded struct {
	Subscribe     *SubscribeResult
	Notify        *Notify
	SetExtranonce *SetExtranonce
	SetDifficulty *float64
	Response      *Response

	// Partial names the rules whose method matched but whose params did not
	Partial []string
}

// Empty reports whether the line matched nothing
func (d Decoded) Empty() bool {
	return d.Subscribe == nil && d.Notify == nil && d.SetExtranonce == nil &&
		d.SetDifficulty == nil && d.Response == nil && len(d.Partial) == 0
}

// Decode applies every known rule to a line
func Decode(line string) Decoded {
	var d Decoded

	if r, ok := DecodeSubscribeResult(line); ok {
		d.Subscribe = &r
	}

	if notifyMethod.MatchString(line) {
		if n, ok := DecodeNotify(line); ok {
			d.Notify = &n
		} else {
			d.Partial = append(d.Partial, MethodNotify)
		}
	}

	if setExtranonceMethod.MatchString(line) {
		if s, ok := DecodeSetExtranonce(line); ok {
			d.SetExtranonce = &s
		} else {
			d.Partial = append(d.Partial, MethodSetExtranonce)
		}
	}

	if setDifficultyMethod.MatchString(line) {
		if v, ok := DecodeSetDifficulty(line); ok {
			d.SetDifficulty = &v
		} else {
			d.Partial = append(d.Partial, MethodSetDifficulty)
		}
	}

	if r, ok := DecodeResponse(line); ok {
		d.Response = &r
	}

	return d
}

// DecodeSubscribeResult extracts extranonce1 from a line whose "result"
// array has an array as its first element and a string as its second.
// An integer third element is taken as the extranonce2 size.
func DecodeSubscribeResult(line string) (SubscribeResult, bool) {
	loc := resultArrayStart.FindStringIndex(line)
	if loc == nil {
		return SubscribeResult{}, false
	}

	i := skipSpace(line, loc[1])
	if i >= len(line) || line[i] != '[' {
		return SubscribeResult{}, false
	}
	end := matchBracket(line, i)
	if end < 0 {
		return SubscribeResult{}, false
	}

	m := subscribeTail.FindStringSubmatch(line[end+1:])
	if m == nil {
		return SubscribeResult{}, false
	}

	res := SubscribeResult{ExtraNonce1: m[1]}
	if m[2] != "" {
		if size, ok := parseExtraNonce2Size(m[2]); ok {
			res.ExtraNonce2Size = size
			res.HasSize = true
		}
	}
	return res, true
}

// DecodeNotify extracts the job id and ntime from a mining.notify line.
// The job id is the first params element; ntime is the first quoted
// 8-hex-digit token after it anywhere inside the params array, nested
// arrays included.
func DecodeNotify(line string) (Notify, bool) {
	if !notifyMethod.MatchString(line) {
		return Notify{}, false
	}

	params, ok := paramsBody(line)
	if !ok {
		return Notify{}, false
	}

	job := firstParamString.FindStringSubmatchIndex(params)
	if job == nil {
		return Notify{}, false
	}

	ntime := hexToken8.FindStringSubmatch(params[job[1]:])
	if ntime == nil {
		return Notify{}, false
	}

	return Notify{
		JobID: params[job[2]:job[3]],
		NTime: ntime[1],
	}, true
}

// DecodeSetExtranonce extracts ["extranonce1", size] from a
// mining.set_extranonce line. Both values come back together or not at all.
func DecodeSetExtranonce(line string) (SetExtranonce, bool) {
	if !setExtranonceMethod.MatchString(line) {
		return SetExtranonce{}, false
	}

	params, ok := paramsBody(line)
	if !ok {
		return SetExtranonce{}, false
	}

	m := setExtranonceParams.FindStringSubmatch(params)
	if m == nil {
		return SetExtranonce{}, false
	}

	size, ok := parseExtraNonce2Size(m[2])
	if !ok {
		return SetExtranonce{}, false
	}

	return SetExtranonce{ExtraNonce1: m[1], ExtraNonce2Size: size}, true
}

// DecodeSetDifficulty extracts the difficulty from a mining.set_difficulty line
func DecodeSetDifficulty(line string) (float64, bool) {
	if !setDifficultyMethod.MatchString(line) {
		return 0, false
	}

	params, ok := paramsBody(line)
	if !ok {
		return 0, false
	}

	m := setDifficultyParams.FindStringSubmatch(params)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// DecodeResponse extracts a reply to a client request: a numeric id with a
// boolean or null result. Requests and notifications never match.
func DecodeResponse(line string) (Response, bool) {
	if anyMethod.MatchString(line) {
		return Response{}, false
	}

	idMatch := responseID.FindStringSubmatch(line)
	if idMatch == nil {
		return Response{}, false
	}
	id, err := strconv.ParseUint(idMatch[1], 10, 64)
	if err != nil {
		return Response{}, false
	}

	resMatch := resultScalar.FindStringSubmatch(line)
	if resMatch == nil {
		return Response{}, false
	}

	resp := Response{ID: id, Result: resMatch[1] == "true"}

	if m := errorArray.FindStringSubmatch(line); m != nil {
		resp.HasError = true
		resp.ErrorCode, _ = strconv.Atoi(m[1])
		resp.ErrorMessage = m[2]
	} else if m := errorObject.FindStringSubmatch(line); m != nil {
		resp.HasError = true
		resp.ErrorCode, _ = strconv.Atoi(m[1])
		if msg := errorObjectMessage.FindStringSubmatch(line); msg != nil {
			resp.ErrorMessage = msg[1]
		}
	}

	return resp, true
}

func parseExtraNonce2Size(s string) (int, bool) {
	size, err := strconv.Atoi(s)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

// paramsBody returns the text between the brackets of the "params" array
func paramsBody(line string) (string, bool) {
	loc := paramsStart.FindStringIndex(line)
	if loc == nil {
		return "", false
	}
	open := loc[1] - 1
	end := matchBracket(line, open)
	if end < 0 {
		return "", false
	}
	return line[open+1 : end], true
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n') {
		i++
	}
	return i
}

// matchBracket returns the index of the ']' closing the '[' at open,
// skipping over quoted strings. It returns -1 if the array never closes.
func matchBracket(s string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
