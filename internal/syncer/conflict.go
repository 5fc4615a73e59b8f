package syncer

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

// Winner names the side a conflict resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Conflict pairs a dirty local record with a remote copy carrying a
// different version. Remote.Sync().UpdatedAt holds the remote timestamp.
type Conflict struct {
	Table  string
	Local  store.Entity
	Remote store.Entity
}

// Resolution is the record to persist. Local and merged winners stay dirty
// so the result is pushed; a remote winner is stored clean.
type Resolution struct {
	Winner Winner
	Record store.Entity
}

// Resolver decides a conflict deterministically from its two inputs.
type Resolver interface {
	Resolve(conflict Conflict) (Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(conflict Conflict) (Resolution, error)

func (f ResolverFunc) Resolve(conflict Conflict) (Resolution, error) {
	return f(conflict)
}

// LastWriterWins keeps the side with the later updated_at; ties go remote.
var LastWriterWins Resolver = ResolverFunc(func(conflict Conflict) (Resolution, error) {
	if conflict.Local.Sync().UpdatedAt.After(conflict.Remote.Sync().UpdatedAt) {
		return Resolution{Winner: WinnerLocal, Record: conflict.Local}, nil
	}
	return Resolution{Winner: WinnerRemote, Record: conflict.Remote}, nil
})

// PreferLocal always keeps the local record.
var PreferLocal Resolver = ResolverFunc(func(conflict Conflict) (Resolution, error) {
	return Resolution{Winner: WinnerLocal, Record: conflict.Local}, nil
})

// DefaultResolvers returns the per-table policies. Tables without an entry
// fall back to LastWriterWins.
func DefaultResolvers() map[string]Resolver {
	return map[string]Resolver{
		records.TableUsers:               ResolverFunc(resolveUser),
		records.TableReadings:            ResolverFunc(resolveReading),
		records.TableMedicationReminders: PreferLocal,
		records.TableBPReminders:         PreferLocal,
		records.TableDoctorReminders:     PreferLocal,
		records.TableWorkoutReminders:    PreferLocal,
	}
}

// resolveUser starts from the remote profile and takes the health fields
// from whichever side changed last.
func resolveUser(conflict Conflict) (Resolution, error) {
	local, ok := conflict.Local.(*records.User)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve users: unexpected local type %T", conflict.Local)
	}
	remoteUser, ok := conflict.Remote.(*records.User)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve users: unexpected remote type %T", conflict.Remote)
	}

	if !local.UpdatedAt.After(remoteUser.UpdatedAt) {
		return Resolution{Winner: WinnerRemote, Record: remoteUser}, nil
	}
	if local.MedicalConditions == remoteUser.MedicalConditions && local.Medications == remoteUser.Medications {
		return Resolution{Winner: WinnerRemote, Record: remoteUser}, nil
	}
	merged := *remoteUser
	merged.MedicalConditions = local.MedicalConditions
	merged.Medications = local.Medications
	merged.UpdatedAt = local.UpdatedAt
	return Resolution{Winner: WinnerMerged, Record: &merged}, nil
}

// resolveReading keeps the measurement taken last.
func resolveReading(conflict Conflict) (Resolution, error) {
	local, ok := conflict.Local.(*records.Reading)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve bp_readings: unexpected local type %T", conflict.Local)
	}
	remoteReading, ok := conflict.Remote.(*records.Reading)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve bp_readings: unexpected remote type %T", conflict.Remote)
	}
	if local.ReadingTime.After(remoteReading.ReadingTime) {
		return Resolution{Winner: WinnerLocal, Record: local}, nil
	}
	return Resolution{Winner: WinnerRemote, Record: remoteReading}, nil
}
