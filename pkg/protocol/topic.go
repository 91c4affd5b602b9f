package protocol

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Group of a topic path.
type Group string

const GroupThings Group = "things"

// Criterion of a topic path.
type Criterion string

const (
	CriterionCommands Criterion = "commands"
	CriterionEvents   Criterion = "events"
	CriterionErrors   Criterion = "errors"
	CriterionAcks     Criterion = "acks"
	CriterionSearch   Criterion = "search"
)

// placeholderSegment is used in topic paths without an entity, e.g. search.
const placeholderSegment = "_"

// TopicPath is "namespace/name/group/channel/criterion[/action]".
type TopicPath struct {
	Namespace string
	Name      string
	Group     Group
	Channel   signal.Channel
	Criterion Criterion
	Action    string
}

// ParseTopicPath parses a topic path string.
func ParseTopicPath(s string) (TopicPath, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 5 {
		return TopicPath{}, &TopicPathError{Topic: s, Reason: "expected at least 5 segments"}
	}
	tp := TopicPath{
		Namespace: parts[0],
		Name:      parts[1],
		Group:     Group(parts[2]),
		Channel:   signal.Channel(parts[3]),
		Criterion: Criterion(parts[4]),
		Action:    strings.Join(parts[5:], "/"),
	}
	if tp.Namespace == "" || tp.Name == "" {
		return TopicPath{}, &TopicPathError{Topic: s, Reason: "namespace and name must not be empty"}
	}
	if tp.Group != GroupThings {
		return TopicPath{}, &TopicPathError{Topic: s, Reason: fmt.Sprintf("unknown group '%s'", tp.Group)}
	}
	if tp.Channel != signal.ChannelTwin && tp.Channel != signal.ChannelLive {
		return TopicPath{}, &TopicPathError{Topic: s, Reason: fmt.Sprintf("unknown channel '%s'", tp.Channel)}
	}
	switch tp.Criterion {
	case CriterionCommands, CriterionEvents, CriterionErrors, CriterionAcks, CriterionSearch:
	default:
		return TopicPath{}, &TopicPathError{Topic: s, Reason: fmt.Sprintf("unknown criterion '%s'", tp.Criterion)}
	}
	return tp, nil
}

// TopicFor builds the topic of an entity.
func TopicFor(id signal.ThingID, channel signal.Channel, criterion Criterion, action string) TopicPath {
	ns, name := id.Namespace(), id.Name()
	if ns == "" {
		ns = placeholderSegment
	}
	if name == "" {
		name = placeholderSegment
	}
	return TopicPath{Namespace: ns, Name: name, Group: GroupThings, Channel: channel, Criterion: criterion, Action: action}
}

func (t TopicPath) String() string {
	s := strings.Join([]string{t.Namespace, t.Name, string(t.Group), string(t.Channel), string(t.Criterion)}, "/")
	if t.Action != "" {
		s += "/" + t.Action
	}
	return s
}

// ThingID returns the entity id encoded in the topic.
func (t TopicPath) ThingID() signal.ThingID {
	return signal.ThingID(t.Namespace + ":" + t.Name)
}

// Errors returns the errors topic of the same entity and channel.
func (t TopicPath) Errors() TopicPath {
	t.Criterion = CriterionErrors
	t.Action = ""
	return t
}

// IsZero reports an unset topic.
func (t TopicPath) IsZero() bool { return t == TopicPath{} }

// TopicPathError reports a topic that cannot be parsed.
type TopicPathError struct {
	Topic  string
	Reason string
}

func (e *TopicPathError) Error() string {
	return fmt.Sprintf("invalid topic path '%s': %s", e.Topic, e.Reason)
}

func (e *TopicPathError) ErrorCode() string { return "things:topicpath.invalid" }

func (e *TopicPathError) HTTPStatus() int { return http.StatusBadRequest }

func (e *TopicPathError) Description() string {
	return "Topic paths have the form '<namespace>/<name>/things/<twin|live>/<criterion>/<action>'."
}

// CombinationInvalidError reports a topic and path that do not fit together.
type CombinationInvalidError struct {
	Topic string
	Path  string
}

func (e *CombinationInvalidError) Error() string {
	return fmt.Sprintf("the topic '%s' is not supported in combination with the path '%s'", e.Topic, e.Path)
}

func (e *CombinationInvalidError) ErrorCode() string { return "things:topicpath.combination.invalid" }

func (e *CombinationInvalidError) HTTPStatus() int { return http.StatusBadRequest }

func (e *CombinationInvalidError) Description() string {
	return "Check that the action of the topic is supported for the resource addressed by the path."
}
