package bus

import "testing"

func TestFakeClientDispatchesInPriorityOrder(t *testing.T) {
	client := NewFakeClient()
	var order []int

	client.RegisterHandler("call.route", 100, func(msg *Message) bool {
		order = append(order, 100)
		return false
	})
	client.RegisterHandler("call.route", 90, func(msg *Message) bool {
		order = append(order, 90)
		return true
	})

	handled := client.Dispatch(&Message{Name: "call.route"})
	if !handled {
		t.Fatalf("expected the priority-90 handler to claim the message")
	}
	if len(order) != 1 || order[0] != 90 {
		t.Fatalf("expected only the priority-90 handler to run, got %v", order)
	}
}

func TestFakeClientDispatchUnhandled(t *testing.T) {
	client := NewFakeClient()
	client.RegisterHandler("call.route", 90, func(msg *Message) bool { return false })

	if client.Dispatch(&Message{Name: "call.route"}) {
		t.Fatalf("expected the message to go unhandled")
	}
}

func TestFakeClientAnswerRecords(t *testing.T) {
	client := NewFakeClient()
	msg := &Message{Name: "call.route", Params: map[string]string{"called": "100"}}

	if err := client.Answer(msg, true); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(client.Answers) != 1 {
		t.Fatalf("expected one recorded answer, got %d", len(client.Answers))
	}
	if !client.Answers[0].Handled {
		t.Errorf("expected the recorded answer to be marked handled")
	}
}

func TestMessageParamHelpers(t *testing.T) {
	msg := &Message{}
	if msg.Param("missing") != "" {
		t.Errorf("Param() on a nil map should return empty string")
	}
	msg.SetParam("called", "100")
	if msg.Param("called") != "100" {
		t.Errorf("Param() = %q, want %q", msg.Param("called"), "100")
	}
}
