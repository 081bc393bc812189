package bus

import "github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"

// DefaultPrefix namespaces topics when none is configured.
const DefaultPrefix = "evcoord"

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// TopicName is the event topic for domain: {prefix}.events.{domain}.
func TopicName(prefix, domain string) string {
	return prefixOrDefault(prefix) + ".events." + domain
}

// DeadLetterTopic is the dead-letter sink for domain: {prefix}.dlq.{domain}.
func DeadLetterTopic(prefix, domain string) string {
	return prefixOrDefault(prefix) + ".dlq." + domain
}

// MessageKey is the partition key for an aggregate, the hex root. All of an
// aggregate's books share a partition and stay ordered.
func MessageKey(root book.Root) string {
	return book.RootHex(root)
}
