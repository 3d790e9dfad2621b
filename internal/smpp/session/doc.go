// Package session owns the single SMPP transceiver session to the upstream
// aggregator.
//
// Ownership boundary:
//   - connect, bind_transceiver and unbind
//   - enquire_link keepalive in both directions
//   - reconnect scheduling with exponential backoff
//   - submit_sm / submit_sm_resp correlation by sequence number
//   - deliver_sm receipts, handed to the registered receipt handler
//
// The Manager is the production implementation of the dispatch transport.
// Its lifecycle is owned by the process entry point; nothing in this package
// is global.
package session
