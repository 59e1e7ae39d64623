// Package classify derives a stable failure category from the free-form
// dead-letter reason supplied by the broker.
package classify

import "strings"

// Category is the stable bucket a dead-lettered message is tracked under.
type Category string

const (
	CategoryMaxDeliveryCountExceeded Category = "MaxDeliveryCountExceeded"
	CategoryTTLExpired               Category = "TTLExpired"
	CategoryFilterEvaluation         Category = "FilterEvaluation"
	CategorySessionLock              Category = "SessionLock"
	CategoryAuthorization            Category = "Authorization"
	CategoryResourceNotFound         Category = "ResourceNotFound"
	CategoryQuotaExceeded            Category = "QuotaExceeded"
	CategoryDataQuality              Category = "DataQuality"
	CategoryProcessingError          Category = "ProcessingError"
	CategoryTransient                Category = "Transient"
)

// matcher pairs a category with the lowercase substrings that select it.
type matcher struct {
	category Category
	needles  []string
}

// matchers are checked in order; the first hit wins. Broker-produced
// reasons like "MaxDeliveryCountExceeded" must land in their specific
// bucket before the generic "exception"/"error" catch-all gets a look.
var matchers = []matcher{
	{CategoryMaxDeliveryCountExceeded, []string{"maxdelivery"}},
	{CategoryTTLExpired, []string{"expired", "ttl"}},
	{CategoryFilterEvaluation, []string{"filter"}},
	{CategorySessionLock, []string{"session"}},
	{CategoryAuthorization, []string{"unauthorized", "forbidden"}},
	{CategoryResourceNotFound, []string{"notfound", "entitynotfound"}},
	{CategoryQuotaExceeded, []string{"quota", "sizeexceeded"}},
	{CategoryDataQuality, []string{"deserializ", "schema", "malformed"}},
	{CategoryProcessingError, []string{"exception", "error"}},
}

// Categorize maps a dead-letter reason to its category. Matching is
// case-insensitive substring search; unrecognized reasons are Transient.
func Categorize(reason string) Category {
	normalized := strings.ToLower(reason)
	for _, m := range matchers {
		for _, needle := range m.needles {
			if strings.Contains(normalized, needle) {
				return m.category
			}
		}
	}
	return CategoryTransient
}
