// Package harness runs loan-workflow scenarios as executable contract tests.
//
// A scenario submits applications to a synchronous service backed by a
// fresh SQLite database, delivers manager decisions and fraud verdicts,
// moves a deterministic clock and sweeps expired callbacks. Every flow
// step can check the resulting status, and assertions check the persisted
// progress narratives at the end.
//
// # Scenario Format
//
//	name: standard_approval
//	description: "Small loan approved after the fraud check"
//	application_ids: [LOAN-A]
//	flow:
//	  - submit: { applicant_name: Alice Smith, ssn_last4: "1111", loan_amount: 50000 }
//	    expect: { status: processing, current_step: fraud_check }
//	  - fraud_verdict: { application: LOAN-A, approved: true }
//	  - advance: 5m
//	  - sweep: true
//	assertions:
//	  - type: log_contains
//	    application: LOAN-A
//	    message: "Loan approved and funds disbursed!"
//	  - type: final_state
//	    application: LOAN-A
//	    expect: { status: approved, offer_id: OFFER-148A501D67 }
//
// Callback tokens are numbered tok-1, tok-2, ... in issue order and the
// clock starts at testutil.Epoch, so runs are reproducible and their
// narratives can be compared against golden files.
package harness
