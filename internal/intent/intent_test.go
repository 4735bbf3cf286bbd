package intent

import "testing"

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		plain string
		want  Intent
	}{
		{`{"type":"three_months"}`, Intent{Type: ThreeMonths}},
		{` {"type":"six_months"} `, Intent{Type: SixMonths}},
		{`{"type":"twelve_months","amount":5}`, Intent{Type: TwelveMonths}},
		{`{"type":"stop"}`, Intent{Type: Stop}},
		{`{"type":"exchange_to_custody","amount":5000,"account":"2"}`, Intent{Type: ExchangeToCustody, Amount: 5000, Account: "2"}},
		{`{"type":"custody_to_exchange","amount":"7000","account":3}`, Intent{Type: CustodyToExchange, Amount: 7000, Account: "3"}},
		{`{"type":"loan_to_custody","amount":2500.0}`, Intent{Type: LoanToCustody, Amount: 2500}},
		{`{"type":"loan_to_custody","amount":"lots"}`, Intent{Type: LoanToCustody}},
		{`{"type":"bittrex_to_bmg","amount":5000,"api":2}`, Intent{Type: ExchangeToCustody, Amount: 5000, Account: "2"}},
		{`{"type":"bmg_to_bittrex","amount":"1500","api":"1"}`, Intent{Type: CustodyToExchange, Amount: 1500, Account: "1"}},
		{`{"type":"loan_to_bmg","amount":800}`, Intent{Type: LoanToCustody, Amount: 800}},
		{`{"type":"exchange_to_custody","amount":5000,"account":"2","api":3}`, Intent{Type: ExchangeToCustody, Amount: 5000, Account: "2"}},
		{`{"type":"four_months"}`, Intent{Type: Invalid}},
		{`{"amount":5}`, Intent{Type: Invalid}},
		{`three_months`, Intent{Type: Invalid}},
		{``, Intent{Type: Invalid}},
		{`[1,2]`, Intent{Type: Invalid}},
	}
	for _, tc := range cases {
		if got := Decode(tc.plain); got != tc.want {
			t.Fatalf("Decode(%q): got %+v want %+v", tc.plain, got, tc.want)
		}
	}
}

func TestType_Months(t *testing.T) {
	t.Parallel()

	for typ, want := range map[Type]int{ThreeMonths: 3, SixMonths: 6, TwelveMonths: 12} {
		got, ok := typ.Months()
		if !ok || got != want {
			t.Fatalf("%s: got %d,%v want %d", typ, got, ok, want)
		}
	}
	if _, ok := Stop.Months(); ok {
		t.Fatalf("stop should not have a term")
	}
	if !LoanToCustody.IsTreasury() || Stop.IsTreasury() || ThreeMonths.IsTreasury() {
		t.Fatalf("IsTreasury mismatch")
	}
}

func TestIntent_EncodeRoundTrip(t *testing.T) {
	t.Parallel()

	in := Intent{Type: CustodyToExchange, Amount: 9000, Account: "1"}
	if got := Decode(in.Encode()); got != in {
		t.Fatalf("round trip: got %+v want %+v", got, in)
	}
	if got := (Intent{Type: ThreeMonths}).Encode(); got != `{"type":"three_months"}` {
		t.Fatalf("encode term: got %s", got)
	}
}
