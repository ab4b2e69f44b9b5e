package pii

import "testing"

func TestMask_Phone(t *testing.T) {
	got := Mask("제 번호는 010-1234-5678 입니다.")
	if got == "제 번호는 010-1234-5678 입니다." {
		t.Fatal("expected phone number to be masked")
	}
}

func TestMask_LongDigitRun(t *testing.T) {
	got := Mask("계약번호 123456789 확인해주세요.")
	if got == "계약번호 123456789 확인해주세요." {
		t.Fatal("expected long digit run to be masked")
	}
}

func TestMask_LeavesShortNumbersAlone(t *testing.T) {
	got := Mask("3개월 남았어요.")
	if got != "3개월 남았어요." {
		t.Fatalf("expected short numeric text unchanged, got %q", got)
	}
}
