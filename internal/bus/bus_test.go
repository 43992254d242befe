package bus

import (
	"testing"

	"github.com/ent0n29/kioskvoice/internal/journal"
)

func TestSubject(t *testing.T) {
	if got := Subject(journal.OutcomePlayed); got != "kioskvoice.stream.played" {
		t.Fatalf("Subject() = %q", got)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.PublishStream(journal.StreamRecord{Outcome: journal.OutcomeCompleted}); err != nil {
		t.Fatalf("PublishStream() error = %v", err)
	}
	if !p.Healthy() {
		t.Fatalf("Healthy() = false, want true")
	}
	p.Close()
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect("  ", nil); err == nil {
		t.Fatalf("Connect() expected error without servers")
	}
}
