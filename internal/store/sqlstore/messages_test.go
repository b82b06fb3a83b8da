package sqlstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/classchat/internal/models"
)

func TestRecordMessageAndHistory(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	testStore.RecordMessage("alice", "bob", models.KindText, "hi bob")
	testStore.RecordMessage("bob", "alice", models.KindText, "hi alice")
	testStore.RecordMessage("alice", "carol", models.KindText, "unrelated")
	testStore.RecordMessage("alice", "bob", models.KindFile, "notes.txt (12 bytes)")

	history, err := testStore.ConversationHistory("bob", "alice", 10)
	if err != nil {
		t.Fatalf("ConversationHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(history))
	}
	if history[0].Content != "hi bob" || history[2].Kind != models.KindFile {
		t.Errorf("Unexpected ordering: %+v", history)
	}

	limited, _ := testStore.ConversationHistory("alice", "bob", 2)
	if len(limited) != 2 || limited[0].Content != "hi alice" {
		t.Errorf("Expected the two most recent messages oldest first, got %+v", limited)
	}
}

func TestGroupHistory(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	testStore.RecordGroupMessage("alice", "study", models.KindGroup, "first")
	testStore.RecordGroupMessage("bob", "study", models.KindGroup, "second")
	testStore.RecordMessage("alice", "bob", models.KindText, "direct")

	history, err := testStore.GroupHistory("study", 20)
	if err != nil {
		t.Fatalf("GroupHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 group messages, got %d", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "second" {
		t.Errorf("Unexpected group history: %+v", history)
	}
	if !history[0].IsGroup {
		t.Errorf("Expected group records to be flagged, got %+v", history[0])
	}
}

func TestHistoryKeepsGroupsAndUsersApart(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	if err := testStore.CreateGroup("bob", "carol"); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	testStore.RecordMessage("alice", "bob", models.KindFile, "salary.pdf (10 bytes)")
	testStore.RecordGroupMessage("carol", "bob", models.KindFile, "agenda.txt (4 bytes)")
	testStore.RecordGroupMessage("alice", "bob", models.KindGroup, "hello group")

	group, err := testStore.GroupHistory("bob", 20)
	if err != nil {
		t.Fatalf("GroupHistory failed: %v", err)
	}
	if len(group) != 2 {
		t.Fatalf("Expected 2 group records, got %+v", group)
	}
	for _, m := range group {
		if m.Content == "salary.pdf (10 bytes)" {
			t.Errorf("Direct file note leaked into group history: %+v", m)
		}
	}

	direct, err := testStore.ConversationHistory("alice", "bob", 20)
	if err != nil {
		t.Fatalf("ConversationHistory failed: %v", err)
	}
	if len(direct) != 1 || direct[0].Content != "salary.pdf (10 bytes)" || direct[0].IsGroup {
		t.Errorf("Expected only the direct file note, got %+v", direct)
	}
}

func TestDrainOfflineOrderAndDelivery(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	for i := 1; i <= 3; i++ {
		err := testStore.EnqueueOffline(models.OfflineMessage{
			Receiver: "bob",
			Sender:   "alice",
			Kind:     models.KindText,
			Content:  fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("EnqueueOffline failed: %v", err)
		}
	}
	testStore.EnqueueOffline(models.OfflineMessage{Receiver: "carol", Sender: "alice", Kind: models.KindText, Content: "other"})

	pending, _ := testStore.PendingOffline("bob")
	if pending != 3 {
		t.Fatalf("Expected 3 pending, got %d", pending)
	}

	drained, err := testStore.DrainOffline("bob")
	if err != nil {
		t.Fatalf("DrainOffline failed: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("Expected 3 drained messages, got %d", len(drained))
	}
	for i, m := range drained {
		if m.Content != fmt.Sprintf("msg-%d", i+1) {
			t.Errorf("Expected msg-%d at position %d, got %s", i+1, i, m.Content)
		}
		if !m.Delivered {
			t.Errorf("Expected message %d to be marked delivered", m.ID)
		}
	}

	again, err := testStore.DrainOffline("bob")
	if err != nil {
		t.Fatalf("Second DrainOffline failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no redelivery, got %d messages", len(again))
	}

	pending, _ = testStore.PendingOffline("carol")
	if pending != 1 {
		t.Errorf("Expected carol's queue untouched, got %d", pending)
	}
}

func TestDrainOfflineConcurrentDrainsDeliverOnce(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	for i := 0; i < 20; i++ {
		testStore.EnqueueOffline(models.OfflineMessage{Receiver: "bob", Sender: "alice", Kind: models.KindText, Content: "x"})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drained, err := testStore.DrainOffline("bob")
			if err != nil {
				t.Errorf("DrainOffline failed: %v", err)
				return
			}
			mu.Lock()
			total += len(drained)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 20 {
		t.Errorf("Expected 20 deliveries across drains, got %d", total)
	}
}

func TestDrainOfflineOrdersByTimestamp(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	testStore.EnqueueOffline(models.OfflineMessage{Receiver: "bob", Sender: "alice", Kind: models.KindText, Content: "later", Timestamp: base.Add(time.Minute)})
	testStore.EnqueueOffline(models.OfflineMessage{Receiver: "bob", Sender: "alice", Kind: models.KindText, Content: "requeued", Timestamp: base})

	drained, err := testStore.DrainOffline("bob")
	if err != nil {
		t.Fatalf("DrainOffline failed: %v", err)
	}
	if len(drained) != 2 || drained[0].Content != "requeued" || drained[1].Content != "later" {
		t.Errorf("Expected requeued row first, got %+v", drained)
	}
	if !drained[0].Timestamp.Equal(base) {
		t.Errorf("Expected original timestamp %v, got %v", base, drained[0].Timestamp)
	}
}

func TestOfflineGroupName(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	testStore.EnqueueOffline(models.OfflineMessage{Receiver: "bob", Sender: "alice", Kind: models.KindGroup, Content: "hey all", GroupName: "study"})
	drained, _ := testStore.DrainOffline("bob")
	if len(drained) != 1 || drained[0].GroupName != "study" || drained[0].Kind != models.KindGroup {
		t.Errorf("Unexpected drained group message: %+v", drained)
	}
}
