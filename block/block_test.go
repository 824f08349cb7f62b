package block

import "testing"

func TestDisjoint(t *testing.T) {
	cases := []struct {
		name string
		a, b Table
		want bool
	}{
		{"both empty", nil, nil, true},
		{"a empty", nil, Table{1, 2}, true},
		{"disjoint", Table{1, 2, 3}, Table{4, 5}, true},
		{"overlap", Table{1, 2, 3}, Table{3, 4}, false},
		{"identical", Table{1}, Table{1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Disjoint(tc.a, tc.b); got != tc.want {
				t.Errorf("Disjoint(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestTableClone(t *testing.T) {
	orig := Table{1, 2, 3}
	clone := orig.Clone()
	clone[0] = 99
	if orig[0] == 99 {
		t.Fatal("Clone shares backing array with the original")
	}
}
