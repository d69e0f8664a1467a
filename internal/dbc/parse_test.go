package dbc

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleCatalog = `VERSION "1.0"

BO_ 256 Throttle: 8 ECU
 SG_ ThrottlePosition : 0|16@1+ (0.1,0) [0|100] "%" Vector__XXX

BO_ 257 Speed: 8 ECU
 SG_ Speed : 0|16@1+ (0.01,0) [0|250] "km/h" Vector__XXX

BO_ 258 Brake: 8 ECU
 SG_ BrakePressure : 0|16@1+ (0.01,0) [0|300] "bar" Vector__XXX
 SG_ BrakeChecksum : 16|8@1+ (1,0) [0|255] "" Vector__XXX

BA_ "GenMsgCycleTime" BO_ 257 100;
`

func TestParseCatalog(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if db.Len() != 3 {
		t.Fatalf("message count = %d, want 3", db.Len())
	}

	speed, ok := db.Message(0x101)
	if !ok {
		t.Fatalf("message 0x101 missing")
	}
	if speed.Name != "Speed" || speed.Length != 8 {
		t.Errorf("speed message = %q/%d, want Speed/8", speed.Name, speed.Length)
	}
	if speed.CycleTime != 100*time.Millisecond {
		t.Errorf("speed cycle time = %v, want 100ms", speed.CycleTime)
	}

	sig, ok := speed.Signal("Speed")
	if !ok {
		t.Fatalf("signal Speed missing")
	}
	if sig.Scale != 0.01 || sig.Offset != 0 || sig.Max != 250 || sig.Unit != "km/h" {
		t.Errorf("unexpected signal definition: %+v", sig)
	}
	if sig.Order != LittleEndian || sig.Signed {
		t.Errorf("signal Speed should be unsigned little-endian, got %+v", sig)
	}

	if _, _, ok := db.SignalMessage("BrakeChecksum"); !ok {
		t.Errorf("SignalMessage(BrakeChecksum) not found")
	}
	names := []string{}
	for _, m := range db.Messages() {
		names = append(names, m.Name)
	}
	if strings.Join(names, ",") != "Throttle,Speed,Brake" {
		t.Errorf("declaration order lost: %v", names)
	}
}

func TestParseExtendedID(t *testing.T) {
	doc := `BO_ 2147484000 Ext: 8 ECU
 SG_ Value : 0|8@1+ (1,0) [0|255] "" Vector__XXX
`
	db, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 2147484000 = 0x80000160: the extended flag is stripped.
	if _, ok := db.Message(0x160); !ok {
		t.Fatalf("extended id not normalized")
	}
}

func TestParseMotorolaLayout(t *testing.T) {
	doc := `BO_ 512 Sensor: 8 ECU
 SG_ Temp : 7|16@0- (0.1,-40) [-100|400] "C" Vector__XXX
`
	db, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, _ := db.Message(0x200)
	sig, _ := m.Signal("Temp")
	bits := sig.Bits()
	// Big-endian start bit 7 over 16 bits covers bytes 0 and 1; the MSB is
	// payload bit 7, the LSB payload bit 8.
	if bits[len(bits)-1] != 7 || bits[0] != 8 {
		t.Errorf("Bits() = %v, want MSB 7 and LSB 8", bits)
	}
	if !sig.Signed || sig.Order != BigEndian {
		t.Errorf("signal should be signed big-endian, got %+v", sig)
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"out of range",
			"BO_ 1 A: 2 ECU\n SG_ S : 8|16@1+ (1,0) [0|1] \"\" X\n",
			"exceeds",
		},
		{
			"overlap",
			"BO_ 1 A: 8 ECU\n SG_ S1 : 0|16@1+ (1,0) [0|1] \"\" X\n SG_ S2 : 8|8@1+ (1,0) [0|1] \"\" X\n",
			"overlap",
		},
		{
			"duplicate message id",
			"BO_ 1 A: 8 ECU\n\nBO_ 1 B: 8 ECU\n",
			"duplicate message id",
		},
		{
			"duplicate signal",
			"BO_ 1 A: 8 ECU\n SG_ S : 0|8@1+ (1,0) [0|1] \"\" X\n SG_ S : 8|8@1+ (1,0) [0|1] \"\" X\n",
			"duplicate signal",
		},
		{
			"multiplexed",
			"BO_ 1 A: 8 ECU\n SG_ S m1 : 0|8@1+ (1,0) [0|1] \"\" X\n",
			"not supported",
		},
		{
			"signal outside message",
			" SG_ S : 0|8@1+ (1,0) [0|1] \"\" X\n",
			"outside",
		},
		{
			"payload too long",
			"BO_ 1 A: 9 ECU\n",
			"payload length",
		},
		{
			"max below min",
			"BO_ 1 A: 8 ECU\n SG_ S : 0|8@1+ (1,0) [10|1] \"\" X\n",
			"below minimum",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			if err == nil {
				t.Fatalf("Parse accepted invalid catalog")
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("error type = %T, want *FormatError", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSignalBitsIntel(t *testing.T) {
	sig := Signal{StartBit: 4, Length: 12, Order: LittleEndian}
	bits := sig.Bits()
	if bits[0] != 4 || bits[len(bits)-1] != 15 {
		t.Errorf("Bits() = %v, want 4..15", bits)
	}
}
