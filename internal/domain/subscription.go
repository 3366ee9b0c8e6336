package domain

// SubscriptionSpec is one EventSub subscription the service wants for a
// tenant.
type SubscriptionSpec struct {
	Type      string
	Version   string
	Condition map[string]string
}
