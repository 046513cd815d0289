package routing

import "testing"

func TestCompute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		id         int64
		dbCount    int
		tableCount int
		wantDB     int
		wantTable  int
	}{
		{"spread across dbs", 1001, 4, 8, 1, 2},
		{"first id", 1, 2, 0, 1, 0},
		{"exact multiple", 4000, 4, 4, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := Compute(tt.id, tt.dbCount, tt.tableCount)
			if err != nil {
				t.Fatalf("Compute(%d, %d, %d): %v", tt.id, tt.dbCount, tt.tableCount, err)
			}
			if info.DBIndex != tt.wantDB {
				t.Fatalf("db index = %d, want %d", info.DBIndex, tt.wantDB)
			}
			if info.TableIndex != tt.wantTable {
				t.Fatalf("table index = %d, want %d", info.TableIndex, tt.wantTable)
			}
			if info.RoutingKey != tt.id {
				t.Fatalf("routing key = %d, want %d", info.RoutingKey, tt.id)
			}
			if info.DBIndex >= tt.dbCount {
				t.Fatalf("db index %d out of range %d", info.DBIndex, tt.dbCount)
			}
		})
	}
}

func TestComputeRejectsBadCounts(t *testing.T) {
	t.Parallel()

	if _, err := Compute(10, 0, 4); err == nil {
		t.Fatalf("expected error for zero db count")
	}
	if _, err := Compute(10, 4, -1); err == nil {
		t.Fatalf("expected error for negative table count")
	}
}
