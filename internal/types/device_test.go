package types

import (
	"encoding/json"
	"strings"
	"testing"
)

const validDeviceJSON = `{
	"id": "pm-1",
	"enabled": true,
	"pollingIntervalMs": 2000,
	"connectionSetting": {"connectionType": "tcp", "tcp": {"host": "10.0.0.5", "port": 502, "unitId": 1}},
	"dataPoints": [{
		"range": {"startAddress": 0, "count": 4, "functionCode": 3},
		"parser": [
			{"name": "voltage", "dataType": "FLOAT32", "registerIndex": 0, "wordCount": 2, "byteOrder": "ABCD", "scalingFactor": 1, "unit": "V"},
			{"name": "current", "dataType": "int16", "registerIndex": 2, "wordCount": 1, "byteOrder": "ABCD", "scalingFactor": 0.1, "unit": "A"}
		]
	}]
}`

func TestDevice_UnmarshalValid(t *testing.T) {
	var d Device
	if err := json.Unmarshal([]byte(validDeviceJSON), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.ConnectionSetting.Type != ConnectionTCP || d.ConnectionSetting.TCP.UnitID != 1 {
		t.Fatalf("unexpected connection setting: %+v", d.ConnectionSetting)
	}
	if d.DataPoints[0].Parser[1].DataType != DataTypeInt16 {
		t.Fatalf("dataType not normalised: %s", d.DataPoints[0].Parser[1].DataType)
	}
	if got := d.ConnectionSetting.PathKey(); got != "tcp://10.0.0.5:502" {
		t.Fatalf("PathKey=%s", got)
	}
}

func TestDevice_UnknownConnectionTypeRejected(t *testing.T) {
	raw := strings.Replace(validDeviceJSON, `"connectionType": "tcp"`, `"connectionType": "udp"`, 1)
	var d Device
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		t.Fatalf("expected error for unknown connectionType")
	}
}

func TestDevice_UnknownDataTypeRejected(t *testing.T) {
	raw := strings.Replace(validDeviceJSON, `"FLOAT32"`, `"FLOAT64"`, 1)
	var d Device
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		t.Fatalf("expected error for unknown dataType")
	}
}

func TestDevice_ValidateRejectsBadParser(t *testing.T) {
	base := func() Device {
		var d Device
		if err := json.Unmarshal([]byte(validDeviceJSON), &d); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return d
	}

	overlap := base()
	overlap.DataPoints[0].Parser[1].RegisterIndex = 1
	if err := overlap.Validate(); err == nil || !strings.Contains(err.Error(), "overlaps") {
		t.Fatalf("expected overlap error, got %v", err)
	}

	outOfBounds := base()
	outOfBounds.DataPoints[0].Parser[1].RegisterIndex = 4
	if err := outOfBounds.Validate(); err == nil {
		t.Fatalf("expected bounds error")
	}

	wordCount := base()
	wordCount.DataPoints[0].Parser[0].WordCount = 1
	if err := wordCount.Validate(); err == nil {
		t.Fatalf("expected word count error")
	}

	writeFC := base()
	writeFC.DataPoints[0].Range.FunctionCode = FuncCodeWriteSingleRegister
	if err := writeFC.Validate(); err == nil {
		t.Fatalf("expected function code error")
	}

	dup := base()
	dup.DataPoints = append(dup.DataPoints, dup.DataPoints[0])
	if err := dup.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestConnectionSetting_RTUDefaults(t *testing.T) {
	raw := `{"connectionType": "RTU", "rtu": {"serialPath": "/dev/ttyUSB0", "baudRate": 9600, "parity": "even", "unitId": 7}, "tcp": {"host": "ignored", "port": 1}}`
	var cs ConnectionSetting
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cs.TCP != nil {
		t.Fatalf("inactive tcp variant should be dropped")
	}
	if err := cs.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cs.RTU.DataBits != 8 || cs.RTU.StopBits != 1 || cs.RTU.Parity != "E" {
		t.Fatalf("defaults not applied: %+v", cs.RTU)
	}
	if cs.UnitID() != 7 || cs.PathKey() != "rtu:///dev/ttyUSB0" {
		t.Fatalf("unit=%d path=%s", cs.UnitID(), cs.PathKey())
	}
}

func TestParameter_Signedness(t *testing.T) {
	p := Parameter{DataType: DataTypeInt16}
	if !p.IsSigned() {
		t.Fatalf("INT16 should default to signed")
	}
	no := false
	p.Signed = &no
	if p.IsSigned() {
		t.Fatalf("explicit signed=false must win")
	}
	if (Parameter{DataType: DataTypeUint32}).IsSigned() {
		t.Fatalf("UINT32 should default to unsigned")
	}
}
