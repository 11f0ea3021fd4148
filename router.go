package eventlog

import "github.com/samber/lo"

// DefaultGlobalTopic receives every event.
const DefaultGlobalTopic = "sales-events"

// Router computes the fanout topics of an event.
type Router interface {
	Route(e Event) []string
}

// TopicRouter routes by tenant and user scope. The zero value uses DefaultGlobalTopic.
type TopicRouter struct {
	GlobalTopic string
}

// Route returns, in order, "clinic:{id}" when the event has a ClinicID,
// "user:{id}" when it has a UserID, and always the global topic.
func (r TopicRouter) Route(e Event) []string {
	global := r.GlobalTopic
	if global == "" {
		global = DefaultGlobalTopic
	}
	topics := make([]string, 0, 3)
	if e.ClinicID != "" {
		topics = append(topics, "clinic:"+e.ClinicID)
	}
	if e.UserID != "" {
		topics = append(topics, "user:"+e.UserID)
	}
	topics = append(topics, global)
	return lo.Uniq(topics)
}

// Route applies the default TopicRouter.
func Route(e Event) []string {
	return TopicRouter{}.Route(e)
}
