package cluster

import "testing"

const topoYAML = `
localId: mbox-1
nodes:
  - id: mbox-1
    serviceUrl: https://mbox-1.example.com:7443/service/dispatch
  - id: mbox-2
    serviceUrl: https://mbox-2.example.com:7443/service/dispatch
`

func TestParseAndLookup(t *testing.T) {
	topo, err := Parse([]byte(topoYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if topo.Local().ID != "mbox-1" {
		t.Fatalf("local = %s", topo.Local().ID)
	}
	if !topo.IsLocal("mbox-1") || topo.IsLocal("mbox-2") {
		t.Fatal("IsLocal wrong")
	}
	// accounts without a pinned home node are served in place
	if !topo.IsLocal("") {
		t.Fatal("empty node id should be local")
	}

	url, err := topo.URLFor("mbox-2")
	if err != nil {
		t.Fatalf("urlfor: %v", err)
	}
	if url != "https://mbox-2.example.com:7443/service/dispatch" {
		t.Fatalf("url = %s", url)
	}
	if _, err := topo.URLFor("mbox-9"); err == nil {
		t.Fatal("unknown node resolved")
	}
}

func TestParseRejectsBadTopologies(t *testing.T) {
	cases := []string{
		"nodes:\n  - id: a\n",                           // missing localId
		"localId: a\nnodes:\n  - id: b\n",               // local not listed
		"localId: a\nnodes:\n  - id: a\n  - id: a\n",    // duplicate id
		"localId: a\nnodes:\n  - id: a\n  - id: \"\"\n", // empty id
	}
	for _, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("accepted bad topology: %q", in)
		}
	}
}

func TestReplaceKeepsLocalIdentity(t *testing.T) {
	topo, err := Parse([]byte(topoYAML))
	if err != nil {
		t.Fatal(err)
	}

	if err := topo.Replace([]Node{{ID: "mbox-2"}}); err == nil {
		t.Fatal("replace dropped the local node without error")
	}

	if err := topo.Replace([]Node{{ID: "mbox-1"}, {ID: "mbox-3", ServiceURL: "https://mbox-3/svc"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, ok := topo.Lookup("mbox-3"); !ok {
		t.Fatal("new node missing after replace")
	}
	if _, ok := topo.Lookup("mbox-2"); ok {
		t.Fatal("old node still present after replace")
	}
}
