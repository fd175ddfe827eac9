// Package loan is the loan-application workflow: the orchestrator that
// sequences validation, parallel credit pulls, risk assessment, manager
// approval, fraud check, offer generation and disbursement, plus the
// business steps it runs.
//
// The orchestrator is a host.WorkflowFunc. It is re-invoked from the top on
// every wake and relies on three mechanisms to stay replay-safe:
//
//   - host.Step and host.Parallel checkpoint every computation, so credit
//     pulls, offers and disbursements execute once per application
//   - the journal suppresses progress entries already persisted by an
//     earlier invocation
//   - the rendezvous issues and dispatches each callback token once per
//     suspension point
//
// Step names used in the progress log:
//
//	validating, credit_check, risk_assessment, manager_approval,
//	fraud_check, generating_offer, disbursing, complete, error
package loan
