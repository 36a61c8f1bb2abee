package directory

import "testing"

func sampleStore() *Store {
	return New([]Employee{
		{ID: "E1001", Name: "Rajib Bhowmik", Email: "rajib.bhowmik@example-bank.com", Mobile: "+8801710000001", Department: "Retail Banking", Designation: "Relationship Manager"},
		{ID: "E1002", Name: "Nusrat Jahan", Email: "nusrat.jahan@example-bank.com", Mobile: "+8801710000002", Department: "Cards", Designation: "Cards Operations Lead"},
		{ID: "E1003", Name: "Imran Chowdhury", Email: "imran.chowdhury@example-bank.com", Mobile: "+8801710000003", Department: "Cards", Designation: "Card Issuance Officer"},
	})
}

func TestNormalizeQueryStripsLeadingPhrases(t *testing.T) {
	cases := map[string]string{
		"find Rajib Bhowmik phone number": "Rajib Bhowmik phone number",
		"who is Nusrat Jahan":             "Nusrat Jahan",
		"  phone number of Imran":         "Imran",
		"Rajib Bhowmik":                   "Rajib Bhowmik",
	}
	for in, want := range cases {
		if got := NormalizeQuery(in); got != want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchExactID(t *testing.T) {
	s := sampleStore()
	res := s.Search("E1002", 5)
	if len(res) != 1 || res[0].Employee.Name != "Nusrat Jahan" {
		t.Fatalf("expected exact ID match, got %+v", res)
	}
}

func TestSearchExactEmail(t *testing.T) {
	s := sampleStore()
	res := s.Search("imran.chowdhury@example-bank.com", 5)
	if len(res) != 1 || res[0].Employee.ID != "E1003" {
		t.Fatalf("expected exact email match, got %+v", res)
	}
}

func TestSearchExactName(t *testing.T) {
	s := sampleStore()
	res := s.Search("find Rajib Bhowmik", 5)
	if len(res) != 1 || res[0].Employee.ID != "E1001" {
		t.Fatalf("expected exact name match after phrase strip, got %+v", res)
	}
}

func TestSearchRankedFullText(t *testing.T) {
	s := sampleStore()
	res := s.Search("cards", 5)
	if len(res) != 2 {
		t.Fatalf("expected 2 department matches, got %d", len(res))
	}
}

func TestSearchNoMatchReturnsEmpty(t *testing.T) {
	s := sampleStore()
	res := s.Search("nonexistent employee zzz", 5)
	if len(res) != 0 {
		t.Fatalf("expected no matches, got %+v", res)
	}
}
