// Package types holds the shared domain records for the monitoring pipeline:
// tenants and source pages, extracted entities (products, offers, banners),
// version and change-event rows, and the discovery-cache wire structures.
//
// Zero third-party dependencies. Every other package imports types; types
// imports only the standard library. Behavior lives in the owning packages
// (schedule mutates SourcePage, extract mutates discovery state, detect
// creates ChangeEvent and Version rows); this package is data only.
package types
