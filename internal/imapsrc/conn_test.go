package imap_test

import (
	"context"
	"testing"

	imap "github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc"
	"github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc/imaptest"
)

func TestSearchAndFetch(t *testing.T) {
	srv := imaptest.NewServer()
	srv.Mailboxes["INBOX"] = &imaptest.Mailbox{
		UIDValidity: 7,
		Messages: []imaptest.Message{
			{UID: 1, Raw: []byte("Message-Id: <one@d.com>\r\nFrom: a@d.com\r\n\r\nbody1")},
			{UID: 2, Raw: []byte("Message-Id: <two@d.com>\r\nFrom: a@d.com\r\n\r\nbody2")},
			{UID: 3, Raw: []byte("Message-Id: <three@d.com>\r\nFrom: a@d.com\r\n\r\nbody3")},
		},
	}

	ctx := context.Background()
	conn, err := srv.Dialer().Dial(ctx, imap.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	uidValidity, err := conn.Select(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if uidValidity != 7 {
		t.Fatalf("UIDValidity = %d, want 7", uidValidity)
	}

	uids, err := conn.SearchUIDsSince(ctx, "ALL", 1)
	if err != nil {
		t.Fatalf("SearchUIDsSince: %v", err)
	}
	if len(uids) != 2 || uids[0] != 2 || uids[1] != 3 {
		t.Fatalf("uids = %v, want [2 3]", uids)
	}

	headers, err := conn.FetchHeaders(ctx, uids)
	if err != nil {
		t.Fatalf("FetchHeaders: %v", err)
	}
	if len(headers) != 2 {
		t.Fatalf("got %d header records, want 2", len(headers))
	}

	bodies, err := conn.FetchBodies(ctx, []uint32{2})
	if err != nil {
		t.Fatalf("FetchBodies: %v", err)
	}
	if len(bodies) != 1 || bodies[0].Size != int64(len(srv.Mailboxes["INBOX"].Messages[1].Raw)) {
		t.Fatalf("unexpected body record: %+v", bodies)
	}
}

func TestChunkUIDs(t *testing.T) {
	chunks := imap.ChunkUIDs([]uint32{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes: %v", chunks)
	}
}
