// Package abtest implements content split testing: sampling recipients
// into variants, collecting engagement counters, selecting a winner, and
// rolling the winning content out to the rest of the campaign.
package abtest
