package pending

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback data carries the whole key so handlers can locate the record
// without server-side state:
//
//	q:<chatId>:<threadId>:<qIdx>:<optIdx|other>
//	p:<chatId>:<threadId>:<once|always|reject>
//
// Restarts therefore never orphan a prompt's buttons; at worst the local
// registry is gone and the press answers with an expiry alert.

const OtherOption = "other"

// QuestionCallback is a decoded q: token.
type QuestionCallback struct {
	Key         Key
	QuestionIdx int
	OptionIdx   int  // valid when !IsOther
	IsOther     bool
}

// PermissionCallback is a decoded p: token.
type PermissionCallback struct {
	Key   Key
	Reply string // once, always, reject
}

// EncodeQuestionOption builds the token for an option button.
func EncodeQuestionOption(key Key, questionIdx, optionIdx int) string {
	return fmt.Sprintf("q:%d:%d:%d:%d", key.ChatID, key.ThreadID, questionIdx, optionIdx)
}

// EncodeQuestionOther builds the token for the Other button.
func EncodeQuestionOther(key Key, questionIdx int) string {
	return fmt.Sprintf("q:%d:%d:%d:%s", key.ChatID, key.ThreadID, questionIdx, OtherOption)
}

// EncodePermission builds the token for a permission verdict button.
func EncodePermission(key Key, reply string) string {
	return fmt.Sprintf("p:%d:%d:%s", key.ChatID, key.ThreadID, reply)
}

// DecodeQuestion parses a q: token; ok is false for any other shape.
func DecodeQuestion(data string) (QuestionCallback, bool) {
	rest, ok := strings.CutPrefix(data, "q:")
	if !ok {
		return QuestionCallback{}, false
	}
	fields := strings.Split(rest, ":")
	if len(fields) != 4 {
		return QuestionCallback{}, false
	}
	chatID, err1 := strconv.ParseInt(fields[0], 10, 64)
	threadID, err2 := strconv.ParseInt(fields[1], 10, 64)
	qIdx, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil || qIdx < 0 {
		return QuestionCallback{}, false
	}
	cb := QuestionCallback{
		Key:         Key{ChatID: chatID, ThreadID: threadID},
		QuestionIdx: qIdx,
	}
	if fields[3] == OtherOption {
		cb.IsOther = true
		return cb, true
	}
	optIdx, err := strconv.Atoi(fields[3])
	if err != nil || optIdx < 0 {
		return QuestionCallback{}, false
	}
	cb.OptionIdx = optIdx
	return cb, true
}

// DecodePermission parses a p: token; ok is false for any other shape.
func DecodePermission(data string) (PermissionCallback, bool) {
	rest, ok := strings.CutPrefix(data, "p:")
	if !ok {
		return PermissionCallback{}, false
	}
	fields := strings.Split(rest, ":")
	if len(fields) != 3 {
		return PermissionCallback{}, false
	}
	chatID, err1 := strconv.ParseInt(fields[0], 10, 64)
	threadID, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return PermissionCallback{}, false
	}
	switch fields[2] {
	case "once", "always", "reject":
	default:
		return PermissionCallback{}, false
	}
	return PermissionCallback{
		Key:   Key{ChatID: chatID, ThreadID: threadID},
		Reply: fields[2],
	}, true
}
