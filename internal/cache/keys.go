package cache

import "fmt"

// Key helpers for the Redis schema in spec.md §3. Each policy owns its
// own prefix exclusively; the handler owns handler:*.

func OQPAttemptsKey(user string) string { return "oqp:" + user + ":attempts" }
func OQPLimitKey(user string) string    { return "oqp:" + user + ":limit" }

func SDAKey(user, domainOrEmail string) string { return "sda:" + user + ":" + domainOrEmail }

func GRLClientKey(clientIP string) string { return "grl:" + clientIP }
func GRLTupleKey(clientIP, sender, recipient string) string {
	return fmt.Sprintf("grl:tuple:%s:%s:%s", clientIP, sender, recipient)
}
func GRLOptKey(domain string) string { return "grl:opt:" + domain }

func SPFOptKey(domain string) string { return "spf:opt:" + domain }

func HandlerKey(instance string) string { return "handler:" + instance }
