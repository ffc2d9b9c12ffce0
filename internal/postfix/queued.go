package postfix

import "regexp"

var queuedAs = regexp.MustCompile(`\bqueued as ([0-9A-Za-z]+)\b`)

// QueuedAs extracts the queue id from the reply postfix gives when it accepts a
// message, eg. "250 2.0.0 Ok: queued as 39D9336AFA81".
func QueuedAs(reply string) (string, bool) {
	m := queuedAs.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	qid := m[1]
	if !shortQueueID.MatchString(qid) && !longQueueID.MatchString(qid) {
		return "", false
	}
	return qid, true
}
