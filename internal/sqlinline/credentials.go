package sqlinline

const QSelectProviderToken = `--sql 731eb98f-c98a-452c-831e-418a2ab2f770
select token
from provider_credentials
where provider = $1::text;`

const QUpsertProviderToken = `--sql a792ebf3-bc3a-49fa-a061-e64886aae35e
insert into provider_credentials (provider, token, properties, updated_at)
values ($1::text, $2::text, $3::jsonb, now())
on conflict (provider) do update
set token = excluded.token,
    properties = excluded.properties,
    updated_at = now();`
