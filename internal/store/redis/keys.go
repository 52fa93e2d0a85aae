package redis

// Key layout under a configurable prefix (default "mailpacer"):
//
//	{p}:job:{id}      Hash with the job's fields
//	{p}:pending       Sorted Set of waiting/delayed ids scored by run_at
//	{p}:active        Sorted Set of leased ids scored by lease expiry
//	{p}:completed     Sorted Set scored by finish time, likewise failed
//	{p}:cancelled     and cancelled
//	{p}:seq           enqueue counter
//	{p}:paused        "1" while the queue is paused
type keys struct {
	prefix string
}

func (k keys) job(id string) string { return k.prefix + ":job:" + id }
func (k keys) jobPrefix() string    { return k.prefix + ":job:" }
func (k keys) pending() string      { return k.prefix + ":pending" }
func (k keys) active() string       { return k.prefix + ":active" }
func (k keys) completed() string    { return k.prefix + ":completed" }
func (k keys) failed() string       { return k.prefix + ":failed" }
func (k keys) cancelled() string    { return k.prefix + ":cancelled" }
func (k keys) seq() string          { return k.prefix + ":seq" }
func (k keys) paused() string       { return k.prefix + ":paused" }
