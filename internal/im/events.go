package im

// Event is a notification from the backend. The concrete types below are
// the complete set.
type Event interface {
	event()
}

type AccountConnected struct {
	Account Account
}

type AccountDisconnected struct {
	Account Account
	Reason  string
}

type BuddyUpdated struct {
	Buddy Buddy
}

type BuddyRemoved struct {
	Buddy Buddy
}

type ConversationOpened struct {
	Conversation Conversation
}

type ConversationClosed struct {
	Conversation Conversation
}

type ParticipantJoined struct {
	Conversation Conversation
	Participant  ChatBuddy
}

type ParticipantLeft struct {
	Conversation Conversation
	Participant  ChatBuddy
	Reason       string
}

type ParticipantUpdated struct {
	Conversation Conversation
	Participant  ChatBuddy
}

type ParticipantRenamed struct {
	Conversation Conversation
	Old          ChatBuddy
	New          ChatBuddy
}

type TopicChanged struct {
	Conversation Conversation
	Who          string
	Topic        string
}

// MessageReceived carries a message from From into Conversation.
type MessageReceived struct {
	Conversation Conversation
	From         string
	Text         string
	Action       bool
}

// FileReceived offers a file a buddy sent. Path is where the backend
// stores it; Size is known up front. A file still arriving has an ID and
// Received bytes already in Path, and FileProgress events follow it. A
// file without an ID is complete.
type FileReceived struct {
	ID       string
	Account  string
	Buddy    string
	Name     string
	Path     string
	Size     int64
	Received int64
}

// FileProgress reports that Received bytes of file ID are now in its Path.
type FileProgress struct {
	ID       string
	Received int64
}

func (AccountConnected) event()    {}
func (AccountDisconnected) event() {}
func (BuddyUpdated) event()        {}
func (BuddyRemoved) event()        {}
func (ConversationOpened) event()  {}
func (ConversationClosed) event()  {}
func (ParticipantJoined) event()   {}
func (ParticipantLeft) event()     {}
func (ParticipantUpdated) event()  {}
func (ParticipantRenamed) event()  {}
func (TopicChanged) event()        {}
func (MessageReceived) event()     {}
func (FileReceived) event()        {}
func (FileProgress) event()        {}
