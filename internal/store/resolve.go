package store

// ActiveBranch reports the branch conn executes against. Every result and
// error that names a branch takes it from here.
func ActiveBranch(c *Conn) string {
	if c == nil {
		return ""
	}
	return c.branch
}
