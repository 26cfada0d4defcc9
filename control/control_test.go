package control

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type fakeSource struct {
	state State
}

func (f *fakeSource) ControlState() State { return f.state }

func TestPushesStateOncePerSecond(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	src := &fakeSource{state: State{
		DHTNodesCount: 3,
		Folders: []FolderState{{
			Path:       "/srv/shared",
			IsIndexing: true,
			Peers: []PeerState{{
				Endpoint: "10.0.0.2:4242", UpBytes: 10, DownBytes: 20,
			}},
		}},
	}}

	srv, err := Listen("unix", sockPath, src, Handlers{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go srv.Serve()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var frame pushFrame
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := dec.Decode(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Kind != "state" {
		t.Fatalf("unexpected frame kind %q", frame.Kind)
	}
	if frame.State.DHTNodesCount != 3 {
		t.Fatalf("dht_nodes_count mismatch: got %d", frame.State.DHTNodesCount)
	}
	if len(frame.State.Folders) != 1 || len(frame.State.Folders[0].Peers) != 1 {
		t.Fatal("folders/peers not round-tripped")
	}
	if frame.State.Folders[0].Peers[0].UpBytes != 10 {
		t.Fatalf("peer up_bytes mismatch: got %d", frame.State.Folders[0].Peers[0].UpBytes)
	}
}

func TestDispatchesCommands(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	addedCh := make(chan FolderSpec, 1)
	removedCh := make(chan string, 1)
	configCh := make(chan Globals, 1)

	h := Handlers{
		SetConfig: func(g Globals) { configCh <- g },
		AddFolder: func(fs FolderSpec) error { addedCh <- fs; return nil },
		RemoveFolder: func(secret string) error { removedCh <- secret; return nil },
	}

	srv, err := Listen("unix", sockPath, &fakeSource{}, h, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go srv.Serve()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	w := bufio.NewWriter(conn)

	send := func(v interface{}) {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(b)
		w.WriteString("\n")
		w.Flush()
	}

	send(command{Kind: "set_config", Globals: &Globals{ListenAddr: ":4242"}})
	select {
	case g := <-configCh:
		if g.ListenAddr != ":4242" {
			t.Fatalf("set_config payload mismatch: %+v", g)
		}
	case <-time.After(time.Second):
		t.Fatal("set_config was never dispatched")
	}

	send(command{Kind: "add_folder", Folder: &FolderSpec{Path: "/srv/shared", Secret: "Asecret"}})
	select {
	case fs := <-addedCh:
		if fs.Path != "/srv/shared" {
			t.Fatalf("add_folder payload mismatch: %+v", fs)
		}
	case <-time.After(time.Second):
		t.Fatal("add_folder was never dispatched")
	}

	send(command{Kind: "remove_folder", Secret: "Asecret"})
	select {
	case secret := <-removedCh:
		if secret != "Asecret" {
			t.Fatalf("remove_folder payload mismatch: %q", secret)
		}
	case <-time.After(time.Second):
		t.Fatal("remove_folder was never dispatched")
	}
}
