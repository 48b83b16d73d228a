package handlers

import (
	"ChatGateway/service/chat"
)

// RegisterAll wires every inbound frame type into the server's dispatcher.
func RegisterAll(s *chat.Server) {
	s.Disp().Register(NewPingHandler())
	s.Disp().Register(NewJoinHandler())
	s.Disp().Register(NewLeaveHandler())
	s.Disp().Register(NewTypingHandler())
	s.Disp().Register(NewReadReceiptHandler())
	s.Disp().Register(NewMessageHandler())
}
