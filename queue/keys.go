package queue

// keys holds the Redis key names for one queue. All keys live under
// "<namespace>:q:<queue>:".
type keys struct {
	jobPrefix string // + job id → JSON job record
	scheduled string // zset: member = job id, score = ready-at unix seconds
	active    string // zset: member = job id, score = visibility deadline
	completed string // list of Summary JSON, newest first
	failed    string // list of Summary JSON, newest first
}

func newKeys(namespace, queue string) keys {
	base := namespace + ":q:" + queue + ":"
	return keys{
		jobPrefix: base + "job:",
		scheduled: base + "scheduled",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}
